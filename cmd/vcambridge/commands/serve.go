package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/bryanchriswhite/vcambridge/internal/api"
	"github.com/bryanchriswhite/vcambridge/internal/capture"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
	"github.com/bryanchriswhite/vcambridge/internal/session"
)

var statsInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the camera bridge",
	Long: `Register the virtual camera, bind the configured physical camera and
forward frames until interrupted.

The HTTP API reports status, switches cameras and streams lifecycle events.`,
	Example: `  # Start with the configured camera and port
  vcambridge serve

  # Start on a custom port with debug logging
  vcambridge serve --port 9090 --log-level debug

  # Use the synthetic backend without touching real hardware
  VCAMBRIDGE_CAPTURE_BACKENDS=synthetic vcambridge serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&statsInterval, "stats-interval", 30*time.Second, "how often to log frame counters (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	cfg, err := configMgr.Effective()
	if err != nil {
		return err
	}

	// Flags override the file for this run only
	if port := viper.GetInt("server_port"); port > 0 {
		cfg.ServerPort = port
	}
	if level := viper.GetString("log_level"); level != "" {
		cfg.LogLevel = level
	}
	if viper.GetBool("log_pretty") {
		cfg.LogPretty = true
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	// Keep the virtual source ID stable across restarts
	if cfg.VirtualSource.ID == "" {
		cfg.VirtualSource.ID = uuid.NewString()
		if err := configMgr.SetVirtualSourceID(cfg.VirtualSource.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to persist virtual source ID")
		}
	}

	sess, err := session.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to build session: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if err := sess.Start(gctx); err != nil {
		if !errors.Is(err, capture.ErrBindingFailed) {
			return errors.Join(err, sess.Stop())
		}
		log.Warn().Err(err).Msg("Camera unavailable; select one through the API to retry")
	}

	server := api.NewServer(sess, configMgr)
	g.Go(func() error {
		return server.Run(gctx, cfg.ServerPort)
	})
	if statsInterval > 0 {
		g.Go(func() error {
			reportStats(gctx, sess, statsInterval)
			return nil
		})
	}

	log.Info().
		Str("source_id", sess.SourceID()).
		Int("port", cfg.ServerPort).
		Msg("vcambridge is running, press Ctrl+C to stop")

	err = g.Wait()
	log.Info().Msg("Shutting down gracefully...")
	return errors.Join(err, sess.Stop())
}

func reportStats(ctx context.Context, sess *session.Session, every time.Duration) {
	log := logger.WithComponent("serve")
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := sess.Status()
			log.Debug().
				Stringer("state", st.State).
				Bool("capturing", st.Capturing).
				Str("backend", st.Backend).
				Uint64("forwarded", st.Frames.Forwarded).
				Uint64("gated", st.Frames.Gated).
				Uint64("malformed", st.Frames.Malformed).
				Msg("Frame counters")
		}
	}
}
