package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discochess/shellcache/internal/app"
	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and activate the shell once",
	Long: `Fetch every shell manifest entry into a new generation named by the
manifest version, then delete all other generations. Nothing is served.

Same-origin entries are required and retried with backoff; cross-origin
entries are skipped when they cannot be fetched.`,
	Args: cobra.NoArgs,
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	ctx := cmd.Context()

	m, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}

	st, err := app.OpenStore(ctx, cfg, stats.NewNoop())
	if err != nil {
		return err
	}
	host, err := app.NewHostFromConfig(cfg, st, stats.NewNoop(), logger)
	if err != nil {
		st.Close()
		return err
	}
	defer func() {
		if err := host.Close(ctx); err != nil {
			logger.Warn("closing", zap.Error(err))
		}
	}()

	if err := host.Upgrade(ctx, m); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Installed %s\n", m.Version)
	if c, ok := host.Store().(store.Counter); ok {
		if n, err := c.Count(ctx, m.Version); err == nil {
			fmt.Fprintf(out, "Entries:   %d of %d\n", n, len(m.Entries))
		}
	}
	return nil
}
