// Package config 提供 YAML 配置的加载、默认值与校验。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tilearena/world"
)

// Config 服务端全部配置
type Config struct {
	Listen      string            `yaml:"listen"`
	AdminListen string            `yaml:"admin_listen"` // 为空则不启动管理接口
	Log         LogConfig         `yaml:"log"`
	Tick        TickConfig        `yaml:"tick"`
	World       WorldConfig       `yaml:"world"`
	Physics     PhysicsConfig     `yaml:"physics"`
	Keys        map[string]string `yaml:"keys"` // 单字节按键 → 指令名
}

// LogConfig 日志输出
type LogConfig struct {
	File  string `yaml:"file"` // 为空时写 stderr
	Level string `yaml:"level"`
}

// TickConfig 各类节奏与超时
type TickConfig struct {
	Interval           time.Duration `yaml:"interval"`
	FrameInterval      time.Duration `yaml:"frame_interval"`
	Timeout            time.Duration `yaml:"timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
}

// WorldConfig 舞台与容量
type WorldConfig struct {
	Capacity int      `yaml:"capacity"`
	Layout   []string `yaml:"layout"` // 为空时使用内置 80x20 舞台
	Border   bool     `yaml:"border"`
}

// PhysicsConfig 物理参数
type PhysicsConfig struct {
	GravityCap  int `yaml:"gravity_cap"`
	JumpImpulse int `yaml:"jump_impulse"`
	MaxRunSpeed int `yaml:"max_run_speed"`
}

// Default 默认配置
func Default() Config {
	ph := world.DefaultPhysics()
	keys := make(map[string]string)
	for k, a := range world.DefaultKeymap() {
		keys[string([]byte{k})] = string(a)
	}
	return Config{
		Listen: ":1337",
		Log:    LogConfig{Level: "info"},
		Tick: TickConfig{
			Interval:           96 * time.Millisecond,
			FrameInterval:      16 * time.Millisecond,
			Timeout:            60 * time.Second,
			NegotiationTimeout: 30 * time.Second,
		},
		World: WorldConfig{Capacity: world.DefaultCapacity},
		Physics: PhysicsConfig{
			GravityCap:  ph.GravityCap,
			JumpImpulse: ph.JumpImpulse,
			MaxRunSpeed: ph.MaxRunSpeed,
		},
		Keys: keys,
	}
}

// Load 读取 YAML 文件并覆盖默认值；path 为空时直接返回默认配置
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 检查配置合法性
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.Tick.Interval <= 0 || c.Tick.FrameInterval <= 0 {
		errs = append(errs, errors.New("tick intervals must be positive"))
	}
	if c.Tick.Timeout <= 0 || c.Tick.NegotiationTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.World.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("world capacity %d must be positive", c.World.Capacity))
	}
	if len(c.World.Layout) > 0 {
		if _, err := world.ParseLayout(c.World.Layout); err != nil {
			errs = append(errs, err)
		}
	}
	if ph := c.physics(); ph == (world.Physics{}) {
		// 全零会被 world.New 当作未设置而换成默认值
		errs = append(errs, errors.New("physics parameters are all zero; omit the section to use defaults"))
	} else if err := ph.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := world.ParseKeymap(c.Keys); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

func (c Config) physics() world.Physics {
	return world.Physics{
		GravityCap:  c.Physics.GravityCap,
		JumpImpulse: c.Physics.JumpImpulse,
		MaxRunSpeed: c.Physics.MaxRunSpeed,
	}
}

// BuildWorld 按配置构建共享世界
func (c Config) BuildWorld() (*world.World, error) {
	grid := world.DefaultStage()
	if len(c.World.Layout) > 0 {
		g, err := world.ParseLayout(c.World.Layout)
		if err != nil {
			return nil, err
		}
		grid = g
	}
	keys, err := world.ParseKeymap(c.Keys)
	if err != nil {
		return nil, err
	}
	return world.New(grid, world.Options{
		Capacity: c.World.Capacity,
		Physics:  c.physics(),
		Keys:     keys,
		Border:   c.World.Border,
	}), nil
}
