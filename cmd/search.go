package cmd

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/rubiojr/panhub/pkg/api"
	"github.com/rubiojr/panhub/pkg/config"
	"github.com/rubiojr/panhub/pkg/log"
	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/sources"
)

// SearchCommand creates the search command
func SearchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search share links for a keyword",
		ArgsUsage: "<keyword>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "api",
				Usage: "Search API base URL (defaults to server.api_base)",
			},
			&cli.StringSliceFlag{
				Name:  "plugins",
				Usage: "Plugins to query (defaults to search.enabled_plugins)",
			},
			&cli.StringSliceFlag{
				Name:  "channels",
				Usage: "Telegram channels to query (defaults to search.enabled_channels)",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Sources per batch, 1 to 16",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-source timeout",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum links shown per drive type (0 for no limit)",
				Value: 10,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the final state as JSON",
			},
			&cli.BoolFlag{
				Name:  "record",
				Usage: "Record the keyword as a hot search once the search completes",
			},
			&cli.BoolFlag{
				Name:  "copy",
				Usage: "Copy the first link to the clipboard (OSC 52)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			keyword := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if keyword == "" {
				return fmt.Errorf("missing keyword")
			}

			cfg, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}

			apiBase := cfg.Server.APIBase
			if c.IsSet("api") {
				apiBase = c.String("api")
			}

			settings := cfg.Search
			if c.IsSet("plugins") {
				settings.EnabledPlugins = c.StringSlice("plugins")
			}
			if c.IsSet("channels") {
				settings.EnabledChannels = c.StringSlice("channels")
			}
			if c.IsSet("concurrency") {
				settings.Concurrency = int(c.Int("concurrency"))
			}
			if c.IsSet("timeout") {
				settings.PluginTimeout = config.Duration{Duration: c.Duration("timeout")}
			}

			return runSearch(ctx, searchOptions{
				apiBase:  apiBase,
				keyword:  keyword,
				settings: settings.Normalize(),
				limit:    int(c.Int("limit")),
				json:     c.Bool("json"),
				record:   c.Bool("record"),
				copy:     c.Bool("copy"),
			})
		},
	}
}

type searchOptions struct {
	apiBase  string
	keyword  string
	settings config.Settings
	limit    int
	json     bool
	record   bool
	copy     bool
}

func runSearch(ctx context.Context, opts searchOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchOpts := []orchestrator.Option{}
	if !opts.json {
		orchOpts = append(orchOpts, orchestrator.WithPublisher(newProgress(os.Stderr)))
	}
	if opts.record {
		orchOpts = append(orchOpts, orchestrator.WithKeywordRecorder(hotSearchRecorder(opts.apiBase)))
	}

	orch := orchestrator.New(orchestrator.NewHTTPExecutor(opts.apiBase, nil), orchOpts...)
	snap := orch.Search(ctx, opts.keyword, opts.settings.ToSearch())
	if !snap.Searched {
		return errors.New(snap.Error)
	}

	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
	} else {
		renderSnapshot(os.Stdout, snap, opts.limit)
	}

	if opts.copy && isatty.IsTerminal(os.Stdout.Fd()) {
		if first := firstLink(snap.Merged); first != "" {
			orchestrator.CopyLink(os.Stdout, first)
		}
	}

	if snap.Error != "" {
		return fmt.Errorf("search failed: %s", snap.Error)
	}
	return nil
}

// progress prints a one-line status for every published snapshot. On a
// terminal the line is rewritten in place.
type progress struct {
	mu    sync.Mutex
	w     io.Writer
	tty   bool
	title cases.Caser
	last  string
}

func newProgress(f *os.File) *progress {
	return &progress{
		w:     f,
		tty:   isatty.IsTerminal(f.Fd()),
		title: cases.Title(language.English),
	}
}

func (p *progress) Publish(s orchestrator.Snapshot) {
	line := fmt.Sprintf("%s: %d results", p.title.String(strings.ReplaceAll(s.Phase.String(), "_", " ")), s.Total)
	if s.Phase == orchestrator.DeepLoading && s.DeepBatches > 0 {
		line += fmt.Sprintf(", deep batch %d/%d", s.PausedAtBatch+1, s.DeepBatches)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	if p.tty {
		fmt.Fprint(p.w, "\r\033[K"+metaStyle.Render(line))
		if !s.Phase.Loading() {
			fmt.Fprintln(p.w)
		}
		return
	}
	fmt.Fprintln(p.w, line)
}

// hotSearchRecorder posts completed keywords to the hot-search endpoint.
func hotSearchRecorder(apiBase string) orchestrator.KeywordRecorder {
	logger := log.ForService("search")
	endpoint := strings.TrimRight(apiBase, "/") + "/hot-searches"
	return func(ctx context.Context, keyword string) {
		body, _ := json.Marshal(api.TermRequest{Term: keyword})
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			logger.Warnf("building hot search request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			logger.Warnf("recording hot search: %v", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			logger.Warnf("recording hot search: unexpected status %d", resp.StatusCode)
		}
	}
}

type bucket struct {
	key   string
	items []orchestrator.ResultItem
}

// sortedBuckets orders drive types by link count, then by key.
func sortedBuckets(m orchestrator.MergedByType) []bucket {
	out := make([]bucket, 0, len(m))
	for k, items := range m {
		if len(items) > 0 {
			out = append(out, bucket{key: k, items: items})
		}
	}
	slices.SortFunc(out, func(a, b bucket) int {
		if c := cmp.Compare(len(b.items), len(a.items)); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
	return out
}

func firstLink(m orchestrator.MergedByType) string {
	buckets := sortedBuckets(m)
	if len(buckets) == 0 {
		return ""
	}
	return buckets[0].items[0].URL
}

func renderSnapshot(w io.Writer, s orchestrator.Snapshot, limit int) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Results for %q", s.Keyword)))

	buckets := sortedBuckets(s.Merged)
	if len(buckets) == 0 {
		fmt.Fprintln(w, noDataStyle.Render("No links found."))
	}
	for _, b := range buckets {
		platform := sources.PlatformFor(b.key)
		fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%s (%s) · %d", platform.Name, b.key, len(b.items))))

		shown := b.items
		if limit > 0 && len(shown) > limit {
			shown = shown[:limit]
		}
		for _, item := range shown {
			fmt.Fprintln(w, itemStyle.Render(renderItem(item)))
		}
		if hidden := len(b.items) - len(shown); hidden > 0 {
			fmt.Fprintln(w, itemStyle.Render(metaStyle.Render(fmt.Sprintf("… %d more", hidden))))
		}
	}

	summary := fmt.Sprintf("%d links in %d drive types · %s", s.Total, len(buckets), s.Elapsed().Round(time.Millisecond))
	fmt.Fprintln(w, summaryStyle.Render(summary))
}

func renderItem(item orchestrator.ResultItem) string {
	var sb strings.Builder
	sb.WriteString(urlStyle.Render(item.URL))
	if item.Password != "" {
		sb.WriteString("  ")
		sb.WriteString(passwordStyle.Render("pwd " + item.Password))
	}
	var meta []string
	if item.Note != "" {
		meta = append(meta, item.Note)
	}
	if item.Datetime != "" {
		meta = append(meta, item.Datetime)
	}
	if item.Source != "" {
		meta = append(meta, item.Source)
	}
	if len(meta) > 0 {
		sb.WriteString("\n")
		sb.WriteString(metaStyle.Render(strings.Join(meta, " · ")))
	}
	return sb.String()
}
