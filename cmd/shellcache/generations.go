package main

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/discochess/shellcache/internal/app"
	"github.com/discochess/shellcache/internal/config"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store"
)

var generationsCmd = &cobra.Command{
	Use:   "generations",
	Short: "List stored generations",
	Long: `List every generation in the store with its entry count and, for the
disk backend, its size on disk.`,
	Args: cobra.NoArgs,
	RunE: runGenerations,
}

func init() {
	rootCmd.AddCommand(generationsCmd)
}

func runGenerations(cmd *cobra.Command, args []string) error {
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

	tags, err := st.Tags(ctx)
	if err != nil {
		return fmt.Errorf("listing generations: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(tags) == 0 {
		fmt.Fprintln(out, "No generations stored.")
		fmt.Fprintln(out, "Run 'shellcache install' to populate the store.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERATION\tENTRIES\tSIZE")
	for _, tag := range tags {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", tag, entryCount(ctx, st, tag), generationSize(cfg, tag))
	}
	return tw.Flush()
}

func entryCount(ctx context.Context, st store.Store, tag string) string {
	c, ok := st.(store.Counter)
	if !ok {
		return "-"
	}
	n, err := c.Count(ctx, tag)
	if err != nil {
		return "?"
	}
	return humanize.Comma(int64(n))
}

// generationSize sums the files of a disk generation.
func generationSize(cfg config.Config, tag string) string {
	if cfg.Backend != config.BackendDisk {
		return "-"
	}
	var total int64
	root := filepath.Join(cfg.DataDir, "generations", store.EscapeTag(tag))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return "?"
	}
	return humanize.Bytes(uint64(total))
}
