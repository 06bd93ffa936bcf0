package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"tilearena/world"
)

// Scheduler 固定频率推进世界，是唯一执行超时移除的一方
type Scheduler struct {
	world    *world.World
	interval time.Duration
	timeout  int64 // time.Duration，管理接口可热更新
	metrics  *Metrics

	tickSeq int64
}

// NewScheduler interval 为 Tick 间隔，timeout 为玩家存活阈值
func NewScheduler(w *world.World, interval, timeout time.Duration, m *Metrics) *Scheduler {
	if m == nil {
		m = NewMetrics()
	}
	return &Scheduler{world: w, interval: interval, timeout: int64(timeout), metrics: m}
}

// TickSeq 已执行的 Tick 数
func (s *Scheduler) TickSeq() int64 { return atomic.LoadInt64(&s.tickSeq) }

// Timeout 当前的存活阈值
func (s *Scheduler) Timeout() time.Duration { return time.Duration(atomic.LoadInt64(&s.timeout)) }

// SetTimeout 下一次 Tick 生效
func (s *Scheduler) SetTimeout(d time.Duration) { atomic.StoreInt64(&s.timeout, int64(d)) }

// Run 启动 Tick 循环，直到 ctx 结束
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// Step 执行一次 Tick：推进物理 → 终止被移除玩家的连接 → 记录指标
func (s *Scheduler) Step(now time.Time) {
	start := time.Now()
	evicted := s.world.Tick(now, s.Timeout())
	for _, ev := range evicted {
		reason := "timeout"
		if !errors.Is(ev.Reason, world.ErrTimedOut) {
			reason = "fault"
			s.metrics.IncFault()
			Log.Errorw("player step failed", "slot", ev.Handle.Slot, "err", ev.Reason)
		} else {
			Log.Infow("player evicted", "slot", ev.Handle.Slot, "reason", reason)
		}
		s.metrics.IncEviction(reason)
		// 连接自己的关闭路径会发现槽位已释放，Release 返回 false
		if ev.Owner != nil {
			ev.Owner.Terminate()
		}
	}
	atomic.AddInt64(&s.tickSeq, 1)
	s.metrics.SetPlayers(s.world.Players())
	s.metrics.AddTick(time.Since(start))
}
