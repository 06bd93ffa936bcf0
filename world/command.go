package world

import (
	"fmt"
	"sort"
)

// Action 按键对应的玩家指令
type Action string

const (
	ActionJump          Action = "jump"
	ActionLeft          Action = "left"
	ActionRight         Action = "right"
	ActionRotateWand    Action = "rotate_wand"
	ActionBuildPlatform Action = "build_platform"
	ActionBuildDiagUp   Action = "build_diag_up"
	ActionBuildDiagDown Action = "build_diag_down"
	ActionErase         Action = "erase"
)

var knownActions = map[Action]bool{
	ActionJump: true, ActionLeft: true, ActionRight: true, ActionRotateWand: true,
	ActionBuildPlatform: true, ActionBuildDiagUp: true, ActionBuildDiagDown: true, ActionErase: true,
}

// Keymap 单字节按键到指令的映射
type Keymap map[byte]Action

// DefaultKeymap 默认玩法的键位（wasd 与 hjkl 两套）
func DefaultKeymap() Keymap {
	return Keymap{
		'w': ActionJump, 'k': ActionJump,
		'a': ActionLeft, 'h': ActionLeft,
		'd': ActionRight, 'l': ActionRight,
		's': ActionRotateWand, 'j': ActionRotateWand,
		'=':  ActionBuildPlatform,
		'/':  ActionBuildDiagUp,
		'\\': ActionBuildDiagDown,
		'x':  ActionErase,
	}
}

// ParseKeymap 从配置的 "键 → 指令名" 构建键位表
func ParseKeymap(m map[string]string) (Keymap, error) {
	km := make(Keymap, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(k) != 1 {
			return nil, fmt.Errorf("world: key %q must be a single byte", k)
		}
		a := Action(m[k])
		if !knownActions[a] {
			return nil, fmt.Errorf("world: key %q bound to unknown action %q", k, m[k])
		}
		km[k[0]] = a
	}
	return km, nil
}

// apply 解释一次按键，调用方持有世界锁
func (w *World) apply(p *Player, key byte) {
	switch w.keys[key] {
	case ActionJump:
		p.DY = -w.physics.JumpImpulse
	case ActionLeft:
		if p.DX > 0 {
			p.DX = 0
		} else if p.DX > -w.physics.MaxRunSpeed {
			p.DX--
		}
	case ActionRight:
		if p.DX < 0 {
			p.DX = 0
		} else if p.DX < w.physics.MaxRunSpeed {
			p.DX++
		}
	case ActionRotateWand:
		p.rotateWand()
	case ActionBuildPlatform:
		w.build(p, TilePlatform)
	case ActionBuildDiagUp:
		w.build(p, TileDiagUp)
	case ActionBuildDiagDown:
		w.build(p, TileDiagDown)
	case ActionErase:
		x, y := p.X+p.WandX, p.Y+p.WandY
		if t, err := w.grid.TileAt(x, y); err == nil && t != TileWall {
			_ = w.grid.SetTile(x, y, TileEmpty)
		}
	}
}

// build 只能在空格子上放置
func (w *World) build(p *Player, t Tile) {
	x, y := p.X+p.WandX, p.Y+p.WandY
	if cur, err := w.grid.TileAt(x, y); err == nil && cur == TileEmpty {
		_ = w.grid.SetTile(x, y, t)
	}
}
