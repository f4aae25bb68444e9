package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/discochess/shellcache/internal/app"
	"github.com/discochess/shellcache/internal/stats"
)

var purgeCmd = &cobra.Command{
	Use:   "purge GENERATION...",
	Short: "Delete stored generations",
	Long: `Delete the named generations and every entry in them. Deleting a
generation that does not exist is not an error.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := app.OpenStore(ctx, cfg, stats.NewNoop())
	if err != nil {
		return err
	}
	defer st.Close()

	for _, tag := range args {
		if err := st.Delete(ctx, tag); err != nil {
			return fmt.Errorf("deleting %q: %w", tag, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", tag)
	}
	return nil
}
