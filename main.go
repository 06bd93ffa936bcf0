package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tilearena/config"
	"tilearena/server"
)

var (
	flagConfig   string
	flagListen   string
	flagAdmin    string
	flagLog      string
	flagLogLevel string
)

// TileArena 入口：加载配置，启动 telnet 服务、Tick 调度器与可选的管理接口
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tilearena",
	Short: "Multiplayer ASCII tile arena over telnet",
	Long: `TileArena serves a shared 80x20 tile world over raw telnet.

Connect with:
  telnet localhost 1337

Keys: a/d run, w jump, s rotate wand, = / \ build, x erase, Ctrl-C quit.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&flagListen, "listen", "", "Telnet listen address (overrides config)")
	rootCmd.Flags().StringVar(&flagAdmin, "admin", "", "Admin HTTP address, e.g. :8080 (overrides config)")
	rootCmd.Flags().StringVar(&flagLog, "log", "", "Log file path (default: stderr)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.Listen = flagListen
	}
	if flagAdmin != "" {
		cfg.AdminListen = flagAdmin
	}
	if flagLog != "" {
		cfg.Log.File = flagLog
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := server.InitLogger(cfg.Log.File, cfg.Log.Level); err != nil {
		return err
	}
	defer server.SyncLogger()

	w, err := cfg.BuildWorld()
	if err != nil {
		return err
	}

	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, w)
	err = srv.Run(ctx)
	server.Log.Info("Shutting down...")
	return err
}
