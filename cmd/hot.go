package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rubiojr/panhub/pkg/hotsearch"
)

// HotCommand creates the hot command and its subcommands
func HotCommand() *cli.Command {
	return &cli.Command{
		Name:  "hot",
		Usage: "Manage the local hot search list",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "Show the most searched terms",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of terms",
						Value: hotsearch.DefaultLimit,
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print terms as JSON",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return withHotStore(c, func(store hotsearch.Store) error {
						entries, err := store.Top(ctx, int(c.Int("limit")))
						if err != nil {
							return fmt.Errorf("listing hot searches: %w", err)
						}
						if c.Bool("json") {
							enc := json.NewEncoder(os.Stdout)
							enc.SetIndent("", "  ")
							return enc.Encode(entries)
						}
						printHotEntries(entries)
						return nil
					})
				},
			},
			{
				Name:      "record",
				Usage:     "Bump the score of a term",
				ArgsUsage: "<term>",
				Action: func(ctx context.Context, c *cli.Command) error {
					term := strings.Join(c.Args().Slice(), " ")
					return withHotStore(c, func(store hotsearch.Store) error {
						if err := store.Record(ctx, term); err != nil {
							return fmt.Errorf("recording %q: %w", term, err)
						}
						fmt.Printf("Recorded %q\n", strings.TrimSpace(term))
						return nil
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "Remove a term",
				ArgsUsage: "<term>",
				Action: func(ctx context.Context, c *cli.Command) error {
					term := strings.Join(c.Args().Slice(), " ")
					return withHotStore(c, func(store hotsearch.Store) error {
						err := store.Delete(ctx, term)
						if errors.Is(err, hotsearch.ErrNotFound) {
							return fmt.Errorf("%q is not in the hot search list", term)
						}
						if err != nil {
							return fmt.Errorf("deleting %q: %w", term, err)
						}
						fmt.Printf("Deleted %q\n", term)
						return nil
					})
				},
			},
			{
				Name:  "clear",
				Usage: "Remove every term",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withHotStore(c, func(store hotsearch.Store) error {
						if err := store.Clear(ctx); err != nil {
							return fmt.Errorf("clearing hot searches: %w", err)
						}
						fmt.Println("Hot search list cleared")
						return nil
					})
				},
			},
			{
				Name:  "stats",
				Usage: "Show hot search statistics",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withHotStore(c, func(store hotsearch.Store) error {
						stats, err := store.Stats(ctx)
						if err != nil {
							return fmt.Errorf("reading hot search stats: %w", err)
						}
						fmt.Println(summaryStyle.Render(fmt.Sprintf("%d terms tracked", stats.Total)))
						printHotEntries(stats.TopTerms)
						return nil
					})
				},
			},
		},
	}
}

// withHotStore opens the configured database for the duration of fn. The
// CLI never falls back to the in-memory store: changes to it would be lost.
func withHotStore(c *cli.Command, fn func(hotsearch.Store) error) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	store, err := hotsearch.OpenSQLite(cfg.HotSearchDBPath(), cfg.HotSearch.MaxEntries)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func printHotEntries(entries []hotsearch.Entry) {
	if len(entries) == 0 {
		fmt.Println(noDataStyle.Render("No hot searches yet."))
		return
	}
	for i, e := range entries {
		last := time.UnixMilli(e.LastSearched).Format("2006-01-02 15:04")
		fmt.Printf("%3d. %s %s\n", i+1, headerStyle.UnsetMargins().Render(e.Term),
			metaStyle.Render(fmt.Sprintf("score %d, last searched %s", e.Score, last)))
	}
}
