package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/adwski/alertbox/backend/catalog"
	"github.com/adwski/alertbox/backend/config"
	"github.com/adwski/alertbox/backend/controller"
	httpServer "github.com/adwski/alertbox/backend/server/http"
	websocketServer "github.com/adwski/alertbox/backend/server/websocket"
	"github.com/adwski/alertbox/backend/session"
	"github.com/adwski/alertbox/backend/tui"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run the alert client",
	Long: "Run the alert client. By default it serves the UI API and event stream;\n" +
		"with --tui it runs the terminal front-end instead.",
	RunE: runClient,
}

func init() {
	fs := pflag.NewFlagSet("client", pflag.ContinueOnError)
	fs.StringP("address", "a", "", "relay address host:port")
	fs.StringP("username", "u", "", "display name announced to the relay")
	fs.Bool("dev", false, "start in developer mode without a relay")
	fs.Bool("tui", false, "run the terminal front-end")
	fs.String("api-listen-addr", "", "UI action API listen address")
	fs.String("ws-listen-addr", "", "UI event stream listen address")
	clientCmd.Flags().AddFlagSet(fs)
	rootCmd.AddCommand(clientCmd)
}

func applyClientFlags(fs *pflag.FlagSet, cfg *config.Client) {
	if fs.Changed("address") {
		cfg.Address, _ = fs.GetString("address")
	}
	if fs.Changed("username") {
		cfg.Username, _ = fs.GetString("username")
	}
	if fs.Changed("dev") {
		cfg.DevMode, _ = fs.GetBool("dev")
	}
	if fs.Changed("api-listen-addr") {
		cfg.APIListenAddr, _ = fs.GetString("api-listen-addr")
	}
	if fs.Changed("ws-listen-addr") {
		cfg.WSListenAddr, _ = fs.GetString("ws-listen-addr")
	}
}

func runClient(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyClientFlags(cmd.Flags(), &cfg.Client)
	if err = cfg.Validate(); err != nil {
		return err
	}
	withTUI, _ := cmd.Flags().GetBool("tui")

	logger, closeLog, err := newLogger(cmd, cfg.LogLevel, withTUI)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cat := catalog.Default()
	sess := session.New(session.Config{
		Logger:         &logger,
		DialTimeout:    cfg.Client.DialTimeout,
		WriteTimeout:   cfg.Client.WriteTimeout,
		MaxBufferBytes: cfg.Client.MaxBufferBytes,
	})
	ctrlCfg := controller.Config{
		Logger:         &logger,
		Session:        sess,
		Catalog:        cat,
		DefaultAddress: cfg.Client.Address,
		Username:       cfg.Client.Username,
	}

	if withTUI {
		pub := tui.NewPublisher()
		ctrlCfg.Publisher = pub
		ctrl := controller.New(ctrlCfg)

		wg := &sync.WaitGroup{}
		wg.Add(1)
		go ctrl.Run(ctx, wg)
		go initialConnect(ctx, ctrl, cfg.Client, &logger)

		err = tui.Run(ctx, tui.Config{
			Controller: ctrl,
			Publisher:  pub,
			Alerts:     cat.Entries(),
			Username:   cfg.Client.Username,
		})
		cancel()
		wg.Wait()
		return err
	}

	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		ListenAddr: cfg.Client.WSListenAddr,
	})
	ctrlCfg.Publisher = wsSrv
	ctrl := controller.New(ctrlCfg)
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Controller: ctrl,
		Catalog:    cat,
		ListenAddr: cfg.Client.APIListenAddr,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go ctrl.Run(ctx, wg)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)
	go initialConnect(ctx, ctrl, cfg.Client, &logger)

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

// initialConnect opens the session the config asks for and announces the
// configured name.
func initialConnect(ctx context.Context, ctrl *controller.Controller, cfg config.Client, logger *zerolog.Logger) {
	status := ctrl.Connect(ctx, "", cfg.DevMode)
	logger.Info().Str("status", status).Msg("initial connect")
	if cfg.Username != "" {
		ctrl.SetUsername(ctx, cfg.Username)
	}
}
