package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/qwengate/pkg/config"
	"github.com/lkarlslund/qwengate/pkg/conversations"
	"github.com/lkarlslund/qwengate/pkg/health"
	"github.com/lkarlslund/qwengate/pkg/logutil"
	"github.com/lkarlslund/qwengate/pkg/proxy"
	"github.com/lkarlslund/qwengate/pkg/qwen"
	"github.com/lkarlslund/qwengate/pkg/upload"
)

var (
	serveConfigPath           string
	serveListenAddrOverride   string
	serveAllowLocalhostNoAuth bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			cfg.ApplyEnvOverrides()
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("allow-localhost-no-auth") {
				cfg.AllowLocalhostNoAuth = serveAllowLocalhostNoAuth
			}

			store := config.NewStore(serveConfigPath, cfg)
			client := qwen.NewClient(cfg.Upstream, logutil.New("qwen"))

			convs, err := conversations.Open(cfg.ConversationsPath, logutil.New("convs"))
			if err != nil {
				return fmt.Errorf("open conversation store: %w", err)
			}
			defer convs.Close()

			uploader := upload.NewPipeline(client, upload.Config{
				DirectThresholdBytes: cfg.Upload.DirectThresholdBytes,
				MaxImageBytes:        cfg.Upload.MaxImageBytes,
				ChunkSizeBytes:       cfg.Upload.ChunkSizeBytes,
				ChunkRetries:         cfg.Upload.ChunkRetries,
				ChunkParallelism:     cfg.Upload.ChunkParallelism,
				Region:               cfg.Upload.Region,
			}, logutil.New("upload"))

			monitor := health.NewMonitor(client,
				time.Duration(cfg.Health.IntervalSeconds)*time.Second,
				time.Duration(cfg.Health.RetrySeconds)*time.Second,
				qwen.IsAuthError, logutil.New("health"))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Best effort; the per-model thinking defaults just stay at
			// zero until the session is usable.
			if err := client.RefreshUserSettings(ctx); err != nil {
				logutil.New("qwen").Warn("could not load user settings", "error", err)
			}

			srv := proxy.NewServer(proxy.Options{
				Store:           store,
				Client:          client,
				Conversations:   convs,
				Uploader:        uploader,
				Monitor:         monitor,
				ModelsCachePath: config.DefaultModelsCachePath(),
				Logger:          logutil.New("proxy"),
			})
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().BoolVar(&serveAllowLocalhostNoAuth, "allow-localhost-no-auth", false, "Override allow_localhost_no_auth in config")
	rootCmd.AddCommand(serveCmd)
}
