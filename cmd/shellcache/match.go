package main

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/discochess/shellcache/internal/app"
	"github.com/discochess/shellcache/internal/manifest"
	"github.com/discochess/shellcache/internal/snapshot"
	"github.com/discochess/shellcache/internal/stats"
	"github.com/discochess/shellcache/internal/store"
)

var (
	matchGeneration string
	matchMethod     string
	showBody        bool
)

var matchCmd = &cobra.Command{
	Use:   "match URL",
	Short: "Look up a stored entry",
	Long: `Look up the entry stored for URL in a generation. The generation
defaults to the manifest version.

Examples:
  shellcache match https://tile.openstreetmap.org/5/10/12.png
  shellcache match --generation bus-tracker-v1 --body http://localhost:8080/`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	matchCmd.Flags().StringVar(&matchGeneration, "generation", "", "generation to search (default: manifest version)")
	matchCmd.Flags().StringVar(&matchMethod, "method", http.MethodGet, "request method")
	matchCmd.Flags().BoolVar(&showBody, "body", false, "print the stored body")
	rootCmd.AddCommand(matchCmd)
}

func runMatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	tag := matchGeneration
	if tag == "" {
		m, err := manifest.Load(cfg.ManifestPath)
		if err != nil {
			return fmt.Errorf("loading manifest: %w", err)
		}
		tag = m.Version
	}

	key, err := snapshot.ParseKey(args[0])
	if err != nil {
		return err
	}
	key.Method = strings.ToUpper(matchMethod)

	st, err := app.OpenStore(ctx, cfg, stats.NewNoop())
	if err != nil {
		return err
	}
	defer st.Close()

	resp, err := st.Match(ctx, tag, key)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no entry for %s in %s", key, tag)
	}
	if err != nil {
		return fmt.Errorf("matching: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Generation: %s\n", tag)
	fmt.Fprintf(out, "Key:        %s\n", key)
	fmt.Fprintf(out, "Status:     %d\n", resp.Status)
	fmt.Fprintf(out, "Opaque:     %t\n", resp.Opaque)
	fmt.Fprintf(out, "Size:       %s\n", humanize.Bytes(uint64(resp.Size())))
	if !resp.StoredAt.IsZero() {
		fmt.Fprintf(out, "Stored:     %s\n", humanize.Time(resp.StoredAt))
	}

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.Header[name] {
			fmt.Fprintf(out, "%s: %s\n", name, v)
		}
	}

	if showBody {
		fmt.Fprintln(out)
		_, _ = out.Write(resp.Body)
	}
	return nil
}
