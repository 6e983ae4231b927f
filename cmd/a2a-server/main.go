// a2a-server runs the agent-to-agent protocol endpoint of the prediction
// market: WebSocket transport, JSON-RPC routing, and the shared registries.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/predyx/a2a/internal/auth"
	"github.com/predyx/a2a/internal/config"
	"github.com/predyx/a2a/internal/events"
	"github.com/predyx/a2a/internal/payments"
	"github.com/predyx/a2a/internal/registry"
	"github.com/predyx/a2a/internal/router"
	"github.com/predyx/a2a/internal/server"
)

const sessionSweepInterval = time.Hour

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "a2a-server",
		Short: "A2A prediction-market protocol server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := newLogger(cfg.LogLevel)

	secret := cfg.SessionSecret
	if secret == "" {
		// Ephemeral secret: sessions won't survive a restart.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		secret = hex.EncodeToString(buf)
		log.Warn().Msg("A2A_SESSION_SECRET not set, using ephemeral secret")
	}

	authMgr := auth.NewManager([]byte(secret), log)
	authMgr.StartSweeper(sessionSweepInterval)
	defer authMgr.StopSweeper()

	agents := registry.NewAgents()
	subs := registry.NewSubscriptions()

	rt := router.New(router.Config{
		EnableX402:         cfg.EnableX402,
		EnableCoalitions:   cfg.EnableCoalitions,
		ServerCapabilities: []string{"discovery", "subscriptions", "coalitions", "analysis", "x402"},
	}, router.Deps{
		Auth:          authMgr,
		Agents:        agents,
		Subscriptions: subs,
		Coalitions:    registry.NewCoalitions(),
		Analyses:      registry.NewAnalyses(),
		Ledger:        payments.NewLedger(nil),
		Bus:           events.NewBus(),
	}, log)

	srv := server.New(server.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		MaxConnections:     cfg.MaxConnections,
		MessageRateLimit:   cfg.MessageRateLimit,
		AuthTimeout:        cfg.AuthTimeout,
		MarketFeedInterval: cfg.MarketFeedInterval,
	}, rt, agents, subs, nil, log)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	return srv.Start()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
