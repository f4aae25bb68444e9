package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/discochess/shellcache/fx/shellcachefx"
)

var (
	listenAddr    string
	watchManifest bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy",
	Long: `Install and activate the current shell version, then serve every
request through it. Admin endpoints live under /_shellcache/.

With --watch, a change of the manifest file's version installs the new
version, purges the old generation and swaps the new worker in.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":8081", "address to listen on")
	serveCmd.Flags().BoolVar(&watchManifest, "watch", false, "watch the manifest file for new versions")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cmd.Flags().Changed("listen") {
		cfg.Listen = listenAddr
	}
	if cmd.Flags().Changed("watch") {
		cfg.WatchManifest = watchManifest
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Supply(logger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.StartTimeout(cfg.InstallMaxElapsed+30*time.Second),
		shellcachefx.Module,
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
