package world

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrFull 所有槽位都已占用
	ErrFull = errors.New("world: no free player slot")
	// ErrTimedOut 玩家存活时间戳超过阈值
	ErrTimedOut = errors.New("world: player timed out")
)

// DefaultCapacity 默认玩家槽位数
const DefaultCapacity = 1024

// Options 世界的可选配置
type Options struct {
	Capacity int
	Physics  Physics
	Keys     Keymap
	Border   bool
	Clock    func() time.Time
}

// Eviction 一次 Tick 中被移除的玩家
type Eviction struct {
	Handle Handle
	Owner  Owner
	Reason error
}

// World 唯一的共享可变状态：舞台 + 玩家注册表。
// 所有读写都在 mu 下进行，渲染不会与半完成的物理更新交错。
type World struct {
	mu sync.Mutex

	grid  *Grid
	slots []*Player
	gens  []uint32
	free  []int // 空闲槽位栈，栈顶是下一个分配的槽位
	live  int

	physics Physics
	keys    Keymap
	border  bool
	clock   func() time.Time
}

// New 基于舞台创建世界，grid 的所有权转移给 World
func New(grid *Grid, opts Options) *World {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	// 零值 Physics 视为未设置
	if opts.Physics == (Physics{}) {
		opts.Physics = DefaultPhysics()
	}
	if opts.Keys == nil {
		opts.Keys = DefaultKeymap()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	w := &World{
		grid:    grid,
		slots:   make([]*Player, opts.Capacity),
		gens:    make([]uint32, opts.Capacity),
		free:    make([]int, opts.Capacity),
		physics: opts.Physics,
		keys:    opts.Keys,
		border:  opts.Border,
		clock:   opts.Clock,
	}
	for i := range w.free {
		w.free[i] = opts.Capacity - 1 - i
	}
	return w
}

func (w *World) Width() int    { return w.grid.width }
func (w *World) Height() int   { return w.grid.height }
func (w *World) Capacity() int { return len(w.slots) }

// Place 为连接分配槽位并放置玩家，满员时返回 ErrFull
func (w *World) Place(owner Owner) (Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.free) == 0 {
		return Handle{}, ErrFull
	}
	slot := w.free[len(w.free)-1]
	w.free = w.free[:len(w.free)-1]
	x, y := w.spawnPoint(slot)
	w.slots[slot] = &Player{X: x, Y: y, WandX: 1, WandY: 0, LastSeen: w.clock(), owner: owner}
	w.live++
	return Handle{Slot: slot, Gen: w.gens[slot]}, nil
}

// Release 释放槽位；句柄已失效时返回 false（另一条路径已经释放过）
func (w *World) Release(h Handle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lookup(h) == nil {
		return false
	}
	w.releaseLocked(h.Slot)
	return true
}

func (w *World) releaseLocked(slot int) {
	w.slots[slot] = nil
	w.gens[slot]++
	w.free = append(w.free, slot)
	w.live--
}

func (w *World) lookup(h Handle) *Player {
	if h.Slot < 0 || h.Slot >= len(w.slots) || w.gens[h.Slot] != h.Gen {
		return nil
	}
	return w.slots[h.Slot]
}

// spawnPoint 由槽位决定出生列，再按行优先向后找第一个空格子
func (w *World) spawnPoint(slot int) (int, int) {
	g := w.grid
	x0, y0 := slot%g.width, 0
	if span := g.width - 10; span > 0 {
		x0 = 5 + (slot*6)%span
	}
	if g.height > 5 {
		y0 = 5
	}
	start := y0*g.width + x0
	for i := 0; i < len(g.cells); i++ {
		idx := (start + i) % len(g.cells)
		if g.cells[idx] == TileEmpty {
			return idx % g.width, idx / g.width
		}
	}
	return x0, y0
}

// Apply 将一次按键应用到玩家；玩家已被移除时为 no-op
func (w *World) Apply(h Handle, key byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.lookup(h)
	if p == nil {
		return false
	}
	w.apply(p, key)
	return true
}

// Touch 刷新存活时间戳
func (w *World) Touch(h Handle, t time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.lookup(h)
	if p == nil {
		return false
	}
	p.LastSeen = t
	return true
}

// Player 返回玩家状态副本
func (w *World) Player(h Handle) (Player, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.lookup(h)
	if p == nil {
		return Player{}, false
	}
	return *p, true
}

// Players 当前在线玩家数
func (w *World) Players() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.live
}

func (w *World) TileAt(x, y int) (Tile, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.grid.TileAt(x, y)
}

func (w *World) SetTile(x, y int, t Tile) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.grid.SetTile(x, y, t)
}

func (w *World) Physics() Physics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.physics
}

// SetPhysics 热更新物理参数，下一次 Tick 生效
func (w *World) SetPhysics(ph Physics) error {
	if err := ph.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	w.physics = ph
	w.mu.Unlock()
	return nil
}

// Tick 推进所有玩家一个 Tick，并移除超时玩家。
// 被移除玩家的连接由调用方在锁外终止。
func (w *World) Tick(now time.Time, timeout time.Duration) []Eviction {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Eviction
	for slot, p := range w.slots {
		if p == nil {
			continue
		}
		h := Handle{Slot: slot, Gen: w.gens[slot]}
		if now.Sub(p.LastSeen) > timeout {
			out = append(out, Eviction{Handle: h, Owner: p.owner, Reason: ErrTimedOut})
			w.releaseLocked(slot)
			continue
		}
		if err := w.safeStep(p); err != nil {
			out = append(out, Eviction{Handle: h, Owner: p.owner, Reason: err})
			w.releaseLocked(slot)
		}
	}
	return out
}

// safeStep 单个玩家的物理异常只移除该玩家
func (w *World) safeStep(p *Player) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("world: physics panic: %v", r)
		}
	}()
	w.step(p)
	return nil
}

// Frame 在锁内渲染一帧一致快照到 dst（长度不足时重新分配）
func (w *World) Frame(dst []byte) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	players := make([]Player, 0, w.live)
	for _, p := range w.slots {
		if p != nil {
			players = append(players, *p)
		}
	}
	return Render(dst, w.grid, players, w.border)
}
