package world

import "time"

// Owner 玩家所属连接的弱引用：只用于超时时强制断开，生命周期由连接自己管理
type Owner interface {
	Terminate()
}

// Handle 带代数的槽位句柄，槽位被回收后旧句柄自动失效
type Handle struct {
	Slot int
	Gen  uint32
}

// Player 舞台上的玩家实体（服务端权威状态）
type Player struct {
	X, Y   int
	DX, DY int // 下一次 Tick 生效的速度
	WandX  int
	WandY  int

	LastSeen time.Time
	owner    Owner
}

// wandCycle 瞄准方向的循环顺序：左 → 上 → 右 → 下
var wandCycle = [4][2]int{{-1, 0}, {0, -1}, {1, 0}, {0, 1}}

// rotateWand 切换到循环中的下一个方向
func (p *Player) rotateWand() {
	for i, d := range wandCycle {
		if d[0] == p.WandX && d[1] == p.WandY {
			next := wandCycle[(i+1)%len(wandCycle)]
			p.WandX, p.WandY = next[0], next[1]
			return
		}
	}
	// 非法方向复位
	p.WandX, p.WandY = 1, 0
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
