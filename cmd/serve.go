package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rubiojr/panhub/pkg/api"
	"github.com/rubiojr/panhub/pkg/cache"
	"github.com/rubiojr/panhub/pkg/config"
	"github.com/rubiojr/panhub/pkg/hotsearch"
	"github.com/rubiojr/panhub/pkg/log"
	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/realtime"
	"github.com/rubiojr/panhub/pkg/search"
	"github.com/rubiojr/panhub/pkg/sessions"
)

const shutdownTimeout = 10 * time.Second

// ServeCommand creates the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the search API server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Address to listen on (defaults to server.listen)",
			},
			&cli.StringFlag{
				Name:  "upstream",
				Usage: "PanSou compatible upstream URL (defaults to server.upstream)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"), c.String("listen"), c.String("upstream"))
		},
	}
}

// liveSettings holds the default search settings, swapped on reload.
type liveSettings struct {
	mu  sync.RWMutex
	cfg *config.Config
}

func (l *liveSettings) get() orchestrator.Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Search.ToSearch()
}

func searchDefaults(s config.Settings) search.Defaults {
	return search.Defaults{
		Plugins:       s.EnabledPlugins,
		Channels:      s.EnabledChannels,
		Concurrency:   s.Concurrency,
		PluginTimeout: s.PluginTimeout.Duration,
	}
}

// serve runs the API server until SIGINT or SIGTERM
func serve(ctx context.Context, configPath, listen, upstream string) error {
	logger := log.ForService("serve")

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if upstream != "" {
		cfg.Server.Upstream = upstream
	}

	resultCache, err := cache.New(cfg.Cache.ToCache())
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}

	hot := hotsearch.Open(cfg.HotSearchDBPath(), cfg.HotSearch.MaxEntries)
	defer func() {
		if err := hot.Close(); err != nil {
			logger.Warnf("failed to close hot search store: %v", err)
		}
	}()

	svc := search.NewSearchService(
		search.NewUpstreamSource(cfg.Server.Upstream, nil, search.DefaultBackoff),
		search.WithCache(resultCache),
		search.WithDefaults(searchDefaults(cfg.Search)),
	)

	hub := realtime.NewSnapshotHub(0)
	manager := sessions.NewManager(cfg.Server.SessionConfig(), svc.Executor(), hub,
		sessions.WithKeywordRecorder(func(ctx context.Context, keyword string) {
			if err := hot.Record(ctx, keyword); err != nil && !errors.Is(err, hotsearch.ErrForbiddenTerm) {
				logger.Warnf("recording hot search %q: %v", keyword, err)
			}
		}),
	)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	if err := resultCache.Start(serverCtx); err != nil {
		return fmt.Errorf("starting cache cleanup: %w", err)
	}
	if err := manager.Start(serverCtx); err != nil {
		resultCache.Stop()
		return fmt.Errorf("starting session sweeper: %w", err)
	}

	current := &liveSettings{cfg: cfg}
	server := api.NewServer(api.Deps{
		Search:    svc,
		HotSearch: hot,
		Cache:     resultCache,
		Sessions:  manager,
		Hub:       hub,
		Settings:  current.get,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Handler(cfg.Server.RateLimit, cfg.Server.RateBurst),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(serverCtx)
	g.Go(func() error {
		logger.Infof("listening on http://%s (upstream %s)", cfg.Server.Listen, cfg.Server.Upstream)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("http shutdown: %v", err)
		}
		manager.Stop()
		resultCache.Stop()
		serverCancel()
		return g.Wait()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("failed to create config file watcher: %v", err)
	} else {
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Warnf("failed to close config file watcher: %v", err)
			}
		}()
		if err := watcher.Add(configPath); err != nil {
			logger.Warnf("failed to watch config file %s: %v", configPath, err)
		} else {
			logger.Infof("watching config file for changes: %s", configPath)
		}
		events, watchErrs = watcher.Events, watcher.Errors
	}

	for {
		select {
		case <-gctx.Done():
			// The listener failed or the parent context ended.
			return shutdown()
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Infof("received SIGHUP, reloading configuration")
				if err := reloadConfiguration(configPath, svc, current); err != nil {
					logger.Errorf("failed to reload configuration: %v", err)
				}
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Infof("shutting down")
				return shutdown()
			}
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)) {
				continue
			}
			logger.Infof("config file changed: %s (%s)", event.Name, event.Op)

			// Editors replace the file on save; the watch has to follow the new inode.
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(configPath); os.IsNotExist(err) {
					logger.Warnf("config file was removed and not replaced, keeping current settings")
					continue
				}
				if err := watcher.Add(configPath); err != nil {
					logger.Warnf("failed to re-add config file to watcher: %v", err)
				}
			} else {
				time.Sleep(100 * time.Millisecond)
			}

			if err := reloadConfiguration(configPath, svc, current); err != nil {
				logger.Errorf("failed to reload configuration after file change: %v", err)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			logger.Warnf("config file watcher error: %v", err)
		}
	}
}

// reloadConfiguration applies the new default search settings and log
// level. Listener, upstream, cache and session settings need a restart.
func reloadConfiguration(configPath string, svc *search.SearchService, current *liveSettings) error {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	current.mu.Lock()
	old := current.cfg
	newCfg.Server.Listen = old.Server.Listen
	newCfg.Server.Upstream = old.Server.Upstream
	current.cfg = newCfg
	current.mu.Unlock()

	svc.SetDefaults(searchDefaults(newCfg.Search))
	log.ForService("serve").Infof("configuration reloaded: %d plugins, %d channels, concurrency %d, timeout %s, log level %s",
		len(newCfg.Search.EnabledPlugins), len(newCfg.Search.EnabledChannels),
		newCfg.Search.Concurrency, newCfg.Search.PluginTimeout.Duration, log.CurrentLevel())
	return nil
}
