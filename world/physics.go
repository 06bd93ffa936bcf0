package world

import "fmt"

// Physics 每 Tick 积分所用的参数
type Physics struct {
	GravityCap  int `json:"gravityCap"`  // 下落速度上限（格/Tick）
	JumpImpulse int `json:"jumpImpulse"` // 起跳时向上的速度
	MaxRunSpeed int `json:"maxRunSpeed"` // 水平速度上限
}

// DefaultPhysics 默认玩法参数
func DefaultPhysics() Physics {
	return Physics{GravityCap: 3, JumpImpulse: 4, MaxRunSpeed: 3}
}

// Validate 参数检查
func (ph Physics) Validate() error {
	if ph.GravityCap < 0 || ph.JumpImpulse < 0 || ph.MaxRunSpeed < 0 {
		return fmt.Errorf("world: negative physics parameter %+v", ph)
	}
	return nil
}

// step 将一个玩家推进一个 Tick，调用方持有世界锁。
// 顺序：重力 → 逐格竖直移动 → 逐格水平移动；越界一律折回对侧。
func (w *World) step(p *Player) {
	g := w.grid
	if p.DY < w.physics.GravityCap {
		p.DY++
	}

	sdy := sign(p.DY)
	for i := 0; i < abs(p.DY); i++ {
		ny := wrap(p.Y+sdy, g.height)
		if t, _ := g.TileAt(p.X, ny); t != TileEmpty {
			p.DY = 0
			break
		}
		p.Y = ny
	}

	sdx := sign(p.DX)
	for i := 0; i < abs(p.DX); i++ {
		nx := wrap(p.X+sdx, g.width)
		t, _ := g.TileAt(nx, p.Y)
		if t == TileEmpty {
			p.X = nx
			continue
		}
		if t.IsDiagonal() {
			above := wrap(p.Y-1, g.height)
			if a, _ := g.TileAt(nx, above); a == TileEmpty {
				p.X = nx
				// '/' 向右爬升，'\' 向左爬升；反方向落到坡面上，交给下一 Tick 的重力
				if (t == TileDiagUp && sdx > 0) || (t == TileDiagDown && sdx < 0) {
					p.Y = above
				}
				continue
			}
		}
		p.DX = 0
		break
	}

	p.X = wrap(p.X, g.width)
	p.Y = wrap(p.Y, g.height)
}
