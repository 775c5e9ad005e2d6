package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	tcpServer "github.com/adwski/alertbox/backend/server/tcp"
	"github.com/adwski/alertbox/backend/service"
	store "github.com/adwski/alertbox/backend/storage/memory"
	sw "github.com/adwski/alertbox/backend/switch"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the relay that forwards alerts between clients",
	RunE:  runRelay,
}

func init() {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.String("listen-addr", "", "relay listen address")
	fs.Int("max-peers", 0, "maximum connected clients, 0 for no limit")
	relayCmd.Flags().AddFlagSet(fs)
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	fs := cmd.Flags()
	if fs.Changed("listen-addr") {
		cfg.Relay.ListenAddr, _ = fs.GetString("listen-addr")
	}
	if fs.Changed("max-peers") {
		cfg.Relay.MaxPeers, _ = fs.GetInt("max-peers")
	}
	if err = cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cmd, cfg.LogLevel, false)
	if err != nil {
		return err
	}
	defer closeLog()

	svc := service.NewService(service.Config{
		RosterStore: store.NewMemStore(cfg.Relay.MaxPeers),
		Switch:      sw.NewSwitch(&logger),
		Logger:      &logger,
	})
	srv := tcpServer.NewServer(tcpServer.Config{
		Logger:     &logger,
		Service:    svc,
		ListenAddr: cfg.Relay.ListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	return err
}
