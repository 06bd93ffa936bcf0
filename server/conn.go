package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"tilearena/telnet"
	"tilearena/world"
)

const writeTimeout = 5 * time.Second

// Conn 单个 telnet 连接：解码、指令应用、渲染都在同一个协程内顺序进行。
// 除 Terminate 外的所有字段只由该协程访问。
type Conn struct {
	srv *Server
	nc  net.Conn
	dec *telnet.Decoder

	out   bytes.Buffer // 待写出的字节，独占
	frame []byte
	last  []byte // 上一次写出的画面，相同则不重发

	handle world.Handle
	placed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(ctx context.Context, srv *Server, nc net.Conn) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	return &Conn{
		srv:    srv,
		nc:     nc,
		dec:    telnet.NewDecoder(srv.world.Width(), srv.world.Height()),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Terminate 由调度器在超时移除时调用，可与连接自身的关闭并发
func (c *Conn) Terminate() {
	c.cancel()
	c.closeOnce.Do(func() { _ = c.nc.Close() })
}

// serve 连接主循环：每到一帧渲染一次，其余时间阻塞读，读超时即下一帧的时间点
func (c *Conn) serve() {
	defer c.close()
	defer func() {
		if r := recover(); r != nil {
			c.srv.metrics.IncFault()
			Log.Errorw("connection panic", "remote", c.nc.RemoteAddr().String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	cfg := c.srv.cfg.Tick
	c.out.Write(telnet.Handshake())
	c.out.WriteString(telnet.ClearScreen + telnet.HideCursor)
	if c.flush() != nil {
		return
	}

	negotiateBy := time.Now().Add(cfg.NegotiationTimeout)
	buf := make([]byte, 512)
	nextFrame := time.Now()
	for {
		if c.ctx.Err() != nil {
			return
		}
		now := time.Now()
		if !now.Before(nextFrame) {
			if c.render() != nil {
				return
			}
			nextFrame = now.Add(cfg.FrameInterval)
		}
		if !c.dec.Negotiated() && now.After(negotiateBy) {
			c.srv.metrics.IncNegotiationFailed()
			Log.Infow("negotiation timed out", "remote", c.nc.RemoteAddr().String())
			c.farewell("Terminal negotiation timed out.")
			return
		}

		_ = c.nc.SetReadDeadline(nextFrame)
		n, err := c.nc.Read(buf)
		if n > 0 && !c.input(buf[:n]) {
			return
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// 对端关闭或传输错误：静默结束
			return
		}
	}
}

// input 逐字节喂给解码器；返回 false 表示连接应当结束
func (c *Conn) input(p []byte) bool {
	if c.placed && !c.srv.world.Touch(c.handle, time.Now()) {
		return false // 已被调度器移除
	}
	for _, b := range p {
		ev, err := c.dec.Feed(b)
		if err != nil {
			c.fail(err)
			return false
		}
		switch ev.Kind {
		case telnet.EventReply:
			c.out.Write(ev.Reply)
		case telnet.EventResize:
			Log.Debugw("window size", "remote", c.nc.RemoteAddr().String(), "width", ev.Width, "height", ev.Height)
			c.out.WriteString(telnet.ClearScreen)
			c.last = c.last[:0]
		case telnet.EventKey:
			if c.placed && !c.srv.world.Apply(c.handle, ev.Key) {
				return false
			}
		}
		if !c.placed && c.dec.Ready() && !c.place() {
			return false
		}
	}
	return c.flush() == nil
}

// place 协商完成后在世界中放置玩家；满员时告知客户端并结束连接
func (c *Conn) place() bool {
	h, err := c.srv.world.Place(c)
	if err != nil {
		c.srv.metrics.IncRefused()
		Log.Warnw("connection refused", "remote", c.nc.RemoteAddr().String(), "err", err)
		c.farewell(fmt.Sprintf("Server full (%d players). Try again later.", c.srv.world.Capacity()))
		return false
	}
	c.handle = h
	c.placed = true
	c.srv.metrics.IncNegotiated()
	c.srv.metrics.SetPlayers(c.srv.world.Players())
	Log.Infow("player joined", "remote", c.nc.RemoteAddr().String(), "slot", h.Slot,
		"width", c.dec.Width, "height", c.dec.Height)
	return true
}

// fail 根据解码错误给出对应的告别信息
func (c *Conn) fail(err error) {
	var ne *telnet.NegotiationError
	switch {
	case errors.Is(err, telnet.ErrInterrupt):
		Log.Infow("client interrupt", "remote", c.nc.RemoteAddr().String())
		c.out.Reset()
		c.out.WriteString(telnet.ClearScreen + telnet.CursorHome + "^C" + telnet.CRLF + telnet.ShowCursor)
		_ = c.flush()
	case errors.As(err, &ne):
		c.srv.metrics.IncNegotiationFailed()
		Log.Infow("negotiation failed", "remote", c.nc.RemoteAddr().String(), "err", err)
		c.farewell(ne.Message())
	default:
		c.srv.metrics.IncNegotiationFailed()
		Log.Infow("negotiation failed", "remote", c.nc.RemoteAddr().String(), "err", err)
		c.farewell("Could not negotiate NAWS!")
	}
}

func (c *Conn) farewell(msg string) {
	c.out.Reset()
	c.out.WriteString(msg + telnet.CRLF + telnet.ShowCursor)
	_ = c.flush()
}

// render 光标归位后输出状态行或整帧画面
func (c *Conn) render() error {
	c.out.WriteString(telnet.CursorHome)
	isFrame := false
	switch {
	case !c.dec.Negotiated():
		c.out.WriteString("Negotiating terminal parameters..." + telnet.CRLF)
	case !c.dec.SizeOK():
		fmt.Fprintf(&c.out, "Please resize your terminal window to %dx%d.%s",
			c.srv.world.Width(), c.srv.world.Height(), telnet.CRLF)
	case !c.placed:
		c.out.WriteString("Negotiating terminal parameters..." + telnet.CRLF)
	default:
		c.frame = c.srv.world.Frame(c.frame)
		w := c.srv.world.Width()
		for y := 0; y < c.srv.world.Height(); y++ {
			c.out.Write(world.Row(c.frame, w, y))
			c.out.WriteString(telnet.CRLF)
		}
		isFrame = true
	}
	if bytes.Equal(c.out.Bytes(), c.last) {
		c.out.Reset()
		return nil
	}
	c.last = append(c.last[:0], c.out.Bytes()...)
	if isFrame {
		c.srv.metrics.IncFrames()
	}
	return c.flush()
}

func (c *Conn) flush() error {
	if c.out.Len() == 0 {
		return nil
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.nc.Write(c.out.Bytes())
	c.out.Reset()
	return err
}

// close 释放槽位并关闭连接；与调度器的移除路径竞争时只有一方真正释放
func (c *Conn) close() {
	if c.placed && c.srv.world.Release(c.handle) {
		c.srv.metrics.SetPlayers(c.srv.world.Players())
		Log.Infow("player left", "remote", c.nc.RemoteAddr().String(), "slot", c.handle.Slot)
	}
	c.Terminate()
}
