package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// AdminHandler 管理与监控接口
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/config", s.HandleAdminConfig)
	mux.HandleFunc("/admin/stats", s.HandleStats)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// HandleAdminConfig 提供物理参数与超时的读取与更新（热更新基本规则）
// GET /admin/config  返回当前配置
// POST /admin/config 以 JSON 载荷更新部分字段
func (s *Server) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	type cfg struct {
		GravityCap  *int   `json:"gravityCap,omitempty"`
		JumpImpulse *int   `json:"jumpImpulse,omitempty"`
		MaxRunSpeed *int   `json:"maxRunSpeed,omitempty"`
		TimeoutMs   *int64 `json:"timeoutMs,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		ph := s.world.Physics()
		timeout := s.sched.Timeout().Milliseconds()
		cur := cfg{
			GravityCap:  &ph.GravityCap,
			JumpImpulse: &ph.JumpImpulse,
			MaxRunSpeed: &ph.MaxRunSpeed,
			TimeoutMs:   &timeout,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cur)
		return
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		ph := s.world.Physics()
		if body.GravityCap != nil {
			ph.GravityCap = *body.GravityCap
		}
		if body.JumpImpulse != nil {
			ph.JumpImpulse = *body.JumpImpulse
		}
		if body.MaxRunSpeed != nil {
			ph.MaxRunSpeed = *body.MaxRunSpeed
		}
		if body.TimeoutMs != nil && *body.TimeoutMs <= 0 {
			http.Error(w, "timeoutMs must be positive", http.StatusBadRequest)
			return
		}
		if err := s.world.SetPhysics(ph); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.TimeoutMs != nil {
			s.sched.SetTimeout(time.Duration(*body.TimeoutMs) * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		Log.Infof("config updated: gravityCap=%d jumpImpulse=%d maxRunSpeed=%d timeout=%s",
			ph.GravityCap, ph.JumpImpulse, ph.MaxRunSpeed, s.sched.Timeout())
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
}

// HandleStats 输出运行指标
// GET /admin/stats
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"tick":       s.sched.TickSeq(),
		"players":    s.world.Players(),
		"capacity":   s.world.Capacity(),
		"spectators": s.spectators.Len(),
		"metrics":    s.metrics.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
