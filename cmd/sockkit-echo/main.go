package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sockkit/internal/config"
	"sockkit/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	host       string
	port       int
	debug      bool
)

// rootCmd 启动换行符分隔的回显服务器
var rootCmd = &cobra.Command{
	Use:   "sockkit-echo",
	Short: "Newline-delimited echo server built on sockkit",
	Long: `sockkit-echo accepts TCP (optionally TLS) connections and echoes every
newline-terminated message back to the sender until the peer closes the
connection or stays idle longer than the receive timeout.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := config.NewViper()
		flags := cmd.Flags()
		for key, name := range map[string]string{"host": "host", "port": "port", "log.debug": "debug"} {
			if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
				return err
			}
		}
		if configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config: %w", err)
			}
		}
		cfg, err := config.Decode(v)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := logger.InitLogger(cfg.Log.Debug, cfg.Log.File); err != nil {
			return fmt.Errorf("failed to init logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func run(ctx context.Context, cfg *config.ServerConfig) error {
	srv, err := newEchoServer(cfg)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("Echo server ready", zap.String("address", srv.GetAddress()))

	<-ctx.Done()
	srv.Stop()
	return srv.Wait(context.Background())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (YAML, JSON or TOML)")
	rootCmd.Flags().StringVar(&host, "host", "", "Address to listen on (empty for all)")
	rootCmd.Flags().IntVar(&port, "port", 7070, "Port to listen on (0 for ephemeral)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
