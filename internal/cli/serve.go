package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/orbit/internal/config"
	"github.com/harun/orbit/pkg/conversation"
	"github.com/harun/orbit/pkg/gateway"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agent over JSON-RPC, WebSocket and SSE",
	Long: `Start the gateway server. Clients run the agent and manage sessions with
JSON-RPC over WebSocket (/ws) or HTTP (/rpc), and stream a single run as
server-sent events from /agent/stream. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides gateway.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides gateway.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Gateway.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = servePort
	}

	rt, err := newAgentRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Retention.Enabled {
		sweeper, err := conversation.NewRetentionSweeper(rt.conversations, conversation.RetentionConfig{
			Schedule: cfg.Retention.Schedule,
			MaxAge:   cfg.Retention.MaxAge,
			Busy:     rt.agent.IsRunning,
		})
		if err != nil {
			return err
		}
		if err := sweeper.Start(); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	if err := loader.Watch(func(updated *config.Config, err error) {
		if err != nil {
			rt.logger.Warn().Err(err).Msg("Ignoring invalid config change")
			return
		}
		applyLiveConfig(rt, updated)
	}); err != nil {
		rt.logger.Debug().Err(err).Msg("Config hot reload disabled")
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		SharedSecret:      cfg.Gateway.SharedSecret,
		TickInterval:      cfg.Gateway.TickInterval,
		Agent:             rt.agent,
		Conversations:     rt.conversations,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		Logger:            rt.log.Component("gateway"),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	if cfg.Gateway.SharedSecret == "" {
		rt.logger.Warn().Msg("Gateway authentication is disabled (gateway.shared_secret is empty)")
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", headerStyle.Render("orbit gateway listening on"), server.Addr())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// applyLiveConfig applies the settings that can change without a restart.
// Loggers keep their startup level as a floor, so only raising the log level
// takes full effect.
func applyLiveConfig(rt *runtime, updated *config.Config) {
	if updated.Logging.Level == rt.cfg.Logging.Level {
		return
	}
	level, err := zerolog.ParseLevel(updated.Logging.Level)
	if err != nil {
		rt.logger.Warn().Str("level", updated.Logging.Level).Msg("Ignoring invalid log level")
		return
	}
	zerolog.SetGlobalLevel(level)
	rt.logger.Info().Str("level", level.String()).Msg("Log level updated")
	rt.cfg.Logging.Level = updated.Logging.Level
}
