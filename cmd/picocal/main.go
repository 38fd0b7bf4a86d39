package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"picocal/internal/calendar"
	"picocal/internal/config"
	appLog "picocal/internal/log"
	"picocal/internal/store"
	"picocal/internal/tz"
	"picocal/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	appLog.Info("picocal starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"tz_table", conf.TZTable,
		"refresh", conf.RefreshCron,
		"window_days", conf.WindowDays,
		"max_events", conf.MaxEvents,
		"feed_count", len(conf.Feeds),
		"once", flags.once,
	)

	zones := tz.NewTable()
	if n := zones.Load(conf.TZTable); n == 0 {
		appLog.Info("timezone table empty; zone-relative times resolve as UTC", "path", conf.TZTable)
	}

	var persist *store.Store
	if conf.CacheDB != "" {
		persist, err = store.New(conf.CacheDB)
		if err != nil {
			appLog.Error("cache db open failed; running without persistence", err, "path", conf.CacheDB)
			persist = nil
		} else {
			defer persist.Close()
		}
	}

	svc := calendar.NewService(zones, persist)
	svc.SetLimits(conf.Limits.Limits())
	svc.SetDefaultZone(conf.Timezone)
	svc.WarmCache()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if flags.once {
		runOnce(ctx, conf, svc)
		return
	}

	// Background refresh keeps the cache warm so API queries rarely touch
	// the network.
	c := cron.New()
	if _, err := c.AddFunc(conf.RefreshCron, func() { refreshAll(ctx, conf, svc) }); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()

	server := &http.Server{
		Addr:    conf.Listen,
		Handler: web.NewServer(conf, svc).Handler(),
	}

	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Error("HTTP server failed", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		appLog.Info("signal received, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP server shutdown failed", err)
	}

	appLog.Info("picocal exiting")
}

// runOnce fetches every configured feed and prints the result, then exits.
func runOnce(ctx context.Context, conf *config.Config, svc *calendar.Service) {
	now := time.Now().Unix()
	for _, feed := range conf.Feeds {
		if feed.URL == "" {
			continue
		}
		events := svc.GetEvents(ctx, feed.URL, conf.MaxEvents, now, conf.WindowDays)
		fmt.Printf("# %s (%d events)\n", feedLabel(feed), len(events))
		for _, e := range events {
			fmt.Printf("%s  %s\n", time.Unix(e.Start, 0).UTC().Format("2006-01-02 15:04"), e.Summary)
		}
	}
}

// refreshAll re-runs the pipeline for every configured feed.
func refreshAll(ctx context.Context, conf *config.Config, svc *calendar.Service) {
	now := time.Now().Unix()
	for _, feed := range conf.Feeds {
		if feed.URL == "" {
			continue
		}
		events := svc.GetEvents(ctx, feed.URL, conf.MaxEvents, now, conf.WindowDays)
		appLog.Info("scheduled refresh", "feed", feedLabel(feed), "events", len(events))
	}
}

func feedLabel(f config.FeedConfig) string {
	if f.ID != "" {
		return f.ID
	}
	if f.Name != "" {
		return f.Name
	}
	return f.URL
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/picocal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Fetch all feeds once, print events, and exit")

	flag.Parse()

	return cfg
}
