package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tilearena/config"
	"tilearena/telnet"
	"tilearena/world"
)

const waitTimeout = 3 * time.Second

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Tick.FrameInterval = 5 * time.Millisecond
	cfg.Tick.NegotiationTimeout = 2 * time.Second
	return cfg
}

// startServer 在回环地址上启动服务端；调度器不启动，由测试手动 Step
func startServer(t *testing.T, cfg config.Config, w *world.World) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := New(cfg, w)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, ln.Addr().String()
}

// client 模拟 telnet 客户端，后台协程持续读取服务端输出
type client struct {
	t    *testing.T
	conn net.Conn

	mu     sync.Mutex
	data   []byte
	closed bool
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := &client{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			c.mu.Lock()
			c.data = append(c.data, buf[:n]...)
			if err != nil {
				c.closed = true
			}
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *client) send(b ...byte) {
	c.t.Helper()
	if _, err := c.conn.Write(b); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) negotiate(width, height int) {
	c.t.Helper()
	c.send(
		telnet.IAC, telnet.DO, telnet.OptEcho,
		telnet.IAC, telnet.WILL, telnet.OptLinemode,
		telnet.IAC, telnet.WILL, telnet.OptNAWS,
		telnet.IAC, telnet.SB, telnet.OptNAWS,
		byte(width>>8), byte(width), byte(height>>8), byte(height),
		telnet.IAC, telnet.SE,
	)
}

func (c *client) snapshot() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.data), c.closed
}

// waitFor 轮询直到 cond 成立
func (c *client) waitFor(what string, cond func(data string, closed bool) bool) string {
	c.t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		data, closed := c.snapshot()
		if cond(data, closed) {
			return data
		}
		time.Sleep(5 * time.Millisecond)
	}
	data, closed := c.snapshot()
	c.t.Fatalf("timed out waiting for %s; closed=%v, last output %q", what, closed, tail(data, 300))
	return ""
}

func tail(s string, n int) string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// lastFrame 从输出中找出最后一个完整画面（height 行、每行 width 字符）
func lastFrame(data string, width, height int) []string {
	segments := strings.Split(data, telnet.CursorHome)
	for i := len(segments) - 1; i >= 0; i-- {
		lines := strings.Split(segments[i], telnet.CRLF)
		if len(lines) < height {
			continue
		}
		ok := true
		for _, l := range lines[:height] {
			if len(l) != width {
				ok = false
				break
			}
		}
		if ok {
			return lines[:height]
		}
	}
	return nil
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeAndStatusLines(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 4})
	_, addr := startServer(t, testConfig(), w)
	c := dial(t, addr)

	c.waitFor("handshake", func(data string, _ bool) bool {
		return strings.HasPrefix(data, string(telnet.Handshake())) &&
			strings.Contains(data, "Negotiating terminal parameters...")
	})

	c.negotiate(60, 10)
	c.waitFor("resize prompt", func(data string, _ bool) bool {
		return strings.Contains(data, "Please resize your terminal window to 80x20.")
	})
	if w.Players() != 0 {
		t.Errorf("player placed on a too-small terminal")
	}
}

func TestMoveRightAndRender(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 4})
	srv, addr := startServer(t, testConfig(), w)
	c := dial(t, addr)
	c.negotiate(80, 20)
	waitUntil(t, "player placed", func() bool { return w.Players() == 1 })

	h := world.Handle{Slot: 0}
	start, ok := w.Player(h)
	if !ok || start.X != 5 || start.Y != 5 {
		t.Fatalf("spawn = %+v ok=%v, want (5,5)", start, ok)
	}

	c.send('d')
	waitUntil(t, "key applied", func() bool {
		p, _ := w.Player(h)
		return p.DX == 1
	})

	for i := 0; i < 10; i++ {
		srv.Scheduler().Step(time.Now())
	}
	p, ok := w.Player(h)
	if !ok {
		t.Fatal("player evicted")
	}
	if p.X != 15 || p.Y != 18 {
		t.Fatalf("after 10 ticks at (%d,%d), want (15,18)", p.X, p.Y)
	}

	c.waitFor("frame with moved player", func(data string, _ bool) bool {
		frame := lastFrame(data, 80, 20)
		return frame != nil && frame[18][15] == 'o' && frame[18][16] == '*'
	})
}

func TestUnchangedFrameNotResent(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 4})
	srv, addr := startServer(t, testConfig(), w)
	c := dial(t, addr)
	c.negotiate(80, 20)
	frames := func() int64 { return atomic.LoadInt64(&srv.Metrics().FramesSent) }
	before := c.waitFor("first frame", func(data string, _ bool) bool {
		return lastFrame(data, 80, 20) != nil
	})

	// 世界不变时，多个帧间隔内都不应再写出任何字节
	time.Sleep(20 * testConfig().Tick.FrameInterval)
	after, _ := c.snapshot()
	if len(after) != len(before) {
		t.Errorf("unchanged world produced %d more bytes: %q", len(after)-len(before), after[len(before):])
	}
	if got := frames(); got != 1 {
		t.Errorf("frames sent = %d, want 1", got)
	}

	// 窗口尺寸报告后清屏并重发整帧
	c.send(telnet.IAC, telnet.SB, telnet.OptNAWS, 0, 80, 0, 20, telnet.IAC, telnet.SE)
	data := c.waitFor("redraw after resize", func(data string, _ bool) bool {
		return lastFrame(data[len(after):], 80, 20) != nil
	})
	fresh := data[len(after):]
	cls := strings.Index(fresh, telnet.ClearScreen)
	if cls < 0 {
		t.Fatalf("no clear screen after window size report: %q", tail(fresh, 100))
	}
	if home := strings.LastIndex(fresh, telnet.CursorHome); home < cls {
		t.Errorf("frame not redrawn after clear screen")
	}
	if got := frames(); got != 2 {
		t.Errorf("frames sent = %d, want 2", got)
	}
}

// 连接协程内的 panic 只结束该连接并释放其槽位
func TestConnectionPanicIsIsolated(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 4})
	srv := New(testConfig(), w)
	if _, err := w.Place(nil); err != nil {
		t.Fatal(err)
	}

	nc, peer := net.Pipe()
	t.Cleanup(func() { _ = peer.Close() })
	go func() { _, _ = io.Copy(io.Discard, peer) }()

	c := newConn(context.Background(), srv, nc)
	if !c.place() {
		t.Fatal("place failed")
	}
	if w.Players() != 2 {
		t.Fatalf("Players() = %d, want 2", w.Players())
	}
	c.dec = nil // 首次渲染时解引用 nil

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.serve()
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("serve did not return after panic")
	}

	if got := atomic.LoadInt64(&srv.Metrics().Faults); got != 1 {
		t.Errorf("faults = %d, want 1", got)
	}
	if got := w.Players(); got != 1 {
		t.Errorf("Players() = %d, want 1 after the faulting connection left", got)
	}
	if c.ctx.Err() == nil {
		t.Error("connection context not cancelled")
	}
}

func TestTwoClientsSeeEachOther(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 4})
	_, addr := startServer(t, testConfig(), w)
	a := dial(t, addr)
	b := dial(t, addr)
	a.negotiate(80, 20)
	b.negotiate(80, 20)
	waitUntil(t, "both placed", func() bool { return w.Players() == 2 })

	for _, c := range []*client{a, b} {
		c.waitFor("both markers", func(data string, _ bool) bool {
			frame := lastFrame(data, 80, 20)
			return frame != nil && frame[5][5] == 'o' && frame[5][11] == 'o'
		})
	}
}

func TestRefusedWhenFull(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 1})
	srv, addr := startServer(t, testConfig(), w)
	a := dial(t, addr)
	a.negotiate(80, 20)
	waitUntil(t, "first player placed", func() bool { return w.Players() == 1 })

	b := dial(t, addr)
	b.negotiate(80, 20)
	data := b.waitFor("refusal and close", func(data string, closed bool) bool {
		return closed && strings.Contains(data, "Server full (1 players). Try again later.")
	})
	if !strings.HasSuffix(data, telnet.ShowCursor) {
		t.Errorf("refusal did not restore the cursor: %q", tail(data, 40))
	}
	if w.Players() != 1 {
		t.Errorf("Players() = %d, want 1", w.Players())
	}
	if got := srv.Metrics().Snapshot()["refused"]; got != int64(1) {
		t.Errorf("refused = %v, want 1", got)
	}
}

func TestNegotiationFailureClosesConnection(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 1})
	_, addr := startServer(t, testConfig(), w)
	c := dial(t, addr)
	c.send(telnet.IAC, telnet.WONT, telnet.OptLinemode)
	c.waitFor("failure message and close", func(data string, closed bool) bool {
		return closed && strings.Contains(data, "Could not negotiate LINEMODE."+telnet.CRLF+telnet.ShowCursor)
	})
}

func TestCtrlCDisconnects(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 1})
	_, addr := startServer(t, testConfig(), w)
	c := dial(t, addr)
	c.negotiate(80, 20)
	waitUntil(t, "player placed", func() bool { return w.Players() == 1 })
	c.send(telnet.ETX)
	c.waitFor("^C and close", func(data string, closed bool) bool {
		return closed && strings.HasSuffix(data, "^C"+telnet.CRLF+telnet.ShowCursor)
	})
	waitUntil(t, "slot released", func() bool { return w.Players() == 0 })
}

func TestClientCloseReleasesSlot(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 1})
	_, addr := startServer(t, testConfig(), w)
	c := dial(t, addr)
	c.negotiate(80, 20)
	waitUntil(t, "player placed", func() bool { return w.Players() == 1 })
	_ = c.conn.Close()
	waitUntil(t, "slot released", func() bool { return w.Players() == 0 })

	// 槽位可以立即被新连接复用
	d := dial(t, addr)
	d.negotiate(80, 20)
	waitUntil(t, "slot reused", func() bool { return w.Players() == 1 })
}

func TestEvictionTerminatesConnection(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 1})
	cfg := testConfig()
	srv, addr := startServer(t, cfg, w)
	c := dial(t, addr)
	c.negotiate(80, 20)
	waitUntil(t, "player placed", func() bool { return w.Players() == 1 })

	srv.Scheduler().Step(time.Now().Add(2 * cfg.Tick.Timeout))
	c.waitFor("connection closed", func(_ string, closed bool) bool { return closed })
	if w.Players() != 0 {
		t.Errorf("Players() = %d, want 0", w.Players())
	}
	if got := srv.Metrics().Snapshot()["evictions"]; got != int64(1) {
		t.Errorf("evictions = %v, want 1", got)
	}
}

func TestNegotiationTimeout(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 1})
	cfg := testConfig()
	cfg.Tick.NegotiationTimeout = 50 * time.Millisecond
	_, addr := startServer(t, cfg, w)
	c := dial(t, addr)
	c.waitFor("timeout close", func(data string, closed bool) bool {
		return closed && strings.Contains(data, "Terminal negotiation timed out.")
	})
}

func TestUnknownOptionGetsRefusal(t *testing.T) {
	w := world.New(world.DefaultStage(), world.Options{Capacity: 1})
	_, addr := startServer(t, testConfig(), w)
	c := dial(t, addr)
	c.send(telnet.IAC, telnet.WILL, 24)
	c.waitFor("DONT reply", func(data string, _ bool) bool {
		return strings.Contains(data, string([]byte{telnet.IAC, telnet.DONT, 24}))
	})
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	w := world.New(world.DefaultStage(), world.Options{Capacity: 1})
	srv := New(testConfig(), w)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	cancel()
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return after cancel")
	}
}
