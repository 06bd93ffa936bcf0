package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"tilearena/config"
	"tilearena/world"
)

// Server 持有共享世界、Tick 调度器以及所有连接
type Server struct {
	cfg        config.Config
	world      *world.World
	metrics    *Metrics
	sched      *Scheduler
	spectators *Hub

	wg sync.WaitGroup
}

// New 基于配置与世界创建服务端
func New(cfg config.Config, w *world.World) *Server {
	m := NewMetrics()
	return &Server{
		cfg:        cfg,
		world:      w,
		metrics:    m,
		sched:      NewScheduler(w, cfg.Tick.Interval, cfg.Tick.Timeout, m),
		spectators: NewHub(w, m),
	}
}

func (s *Server) World() *world.World   { return s.world }
func (s *Server) Metrics() *Metrics     { return s.metrics }
func (s *Server) Scheduler() *Scheduler { return s.sched }

// Run 监听 telnet 端口与（可选的）管理接口，启动调度器，直到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	Log.Infof("tilearena listening on %s; connect with: telnet localhost %s", ln.Addr(), portOf(ln.Addr()))

	go s.sched.Run(ctx)
	go s.spectators.Run(ctx, s.cfg.Tick.Interval)

	if s.cfg.AdminListen != "" {
		srv := &http.Server{Addr: s.cfg.AdminListen, Handler: s.AdminHandler()}
		go func() {
			Log.Infof("admin listening on %s", s.cfg.AdminListen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				Log.Errorf("admin listen: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	return s.Serve(ctx, ln)
}

// Serve 接受连接，每个连接一个协程；ctx 结束时关闭监听并等待连接退出
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer s.wg.Wait()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				Log.Warnf("accept: %v", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		s.metrics.IncConnections()
		Log.Debugw("accepted", "remote", nc.RemoteAddr().String())
		c := newConn(ctx, s, nc)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

func portOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return strconv.Itoa(tcp.Port)
	}
	_, port, _ := net.SplitHostPort(addr.String())
	return port
}
