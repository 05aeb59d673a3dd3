package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helicare/internal/api"
	"helicare/internal/config"
	"helicare/internal/ics"
	appLog "helicare/internal/log"
	"helicare/internal/metrics"
	"helicare/internal/model"
	"helicare/internal/refresh"
	"helicare/internal/schedule"
	"helicare/internal/session"
	"helicare/internal/web"
)

const version = "0.3.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
	dump       bool
	importICS  string
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		if conf == nil {
			appLog.Error("failed to load config", err, "config_path", flags.configPath)
			os.Exit(1)
		}
		appLog.Error("failed to write default config; continuing with defaults", err, "config_path", flags.configPath)
	}

	// CLI flags override the config file.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	defer appLog.Sync()

	appLog.Info("helicare starting", "version", version)

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("unknown timezone; using local time", err, "timezone", conf.Timezone)
	}
	// Backend times without an offset are wall-clock times in this zone.
	model.SetDefaultLocation(loc)

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"backfill_days", conf.BackfillDays,
		"api_base_url", conf.API.BaseURL,
		"resident_id", conf.ResidentID,
		"once", flags.once,
		"dump", flags.dump,
	)

	if flags.importICS != "" {
		if err := runImport(flags.importICS, conf, loc); err != nil {
			appLog.Error("ics import failed", err, "path", flags.importICS)
			os.Exit(1)
		}
		return
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	sessions := session.NewStore(conf.SessionPath)
	if _, err := sessions.Load(); err != nil {
		appLog.Error("failed to read session file; starting signed out", err, "path", conf.SessionPath)
	}

	client := api.New(api.Options{
		BaseURL:  conf.API.BaseURL,
		Timeout:  conf.API.Timeout(),
		Sessions: sessions,
		Cache:    api.NewResponseCache(conf.API.CacheDir),
		Metrics:  m,
		Breaker: api.BreakerSettings{
			MaxRequests:         conf.API.Breaker.MaxRequests,
			Interval:            time.Duration(conf.API.Breaker.IntervalSeconds) * time.Second,
			Timeout:             time.Duration(conf.API.Breaker.TimeoutSeconds) * time.Second,
			ConsecutiveFailures: conf.API.Breaker.ConsecutiveFailures,
		},
	})

	// srv is created after the first refresh; later snapshots drop its
	// cached responses.
	var srv *web.Server
	runner := refresh.New(refresh.Options{
		Backend:        client,
		Auth:           client,
		Credentials:    conf.Credentials,
		Location:       loc,
		HorizonDays:    conf.HorizonDays,
		BackfillDays:   conf.BackfillDays,
		ResidentID:     conf.ResidentID,
		MaxOccurrences: conf.MaxOccurrencesPerSchedule,
		Metrics:        m,
		OnSnapshot: func(refresh.Snapshot) {
			if srv != nil {
				srv.InvalidateCache()
			}
		},
	})

	snap, runErr := runner.Run(ctx)

	if flags.once {
		if runErr != nil {
			os.Exit(1)
		}
		if flags.dump {
			if err := dumpJSON(snap); err != nil {
				appLog.Error("failed to dump snapshot", err)
				os.Exit(1)
			}
		}
		return
	}

	srv = web.NewServer(web.Options{
		Config:  conf,
		Runner:  runner,
		Backend: client,
		Metrics: m,
	})

	refreshCtx, cancelRefresh := context.WithCancel(ctx)
	defer cancelRefresh()
	if _, err := runner.Start(refreshCtx, conf.RefreshCron); err != nil {
		appLog.Error("failed to start refresh scheduler", err, "spec", conf.RefreshCron)
		os.Exit(1)
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		os.Exit(1)
	}
	appLog.Info("helicare exiting")
}

// runImport parses an ICS file and prints the schedules expanded over the
// configured window.
func runImport(path string, conf *config.Config, loc *time.Location) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	schedules, err := ics.ParseSchedules(body, loc)
	if err != nil {
		return err
	}

	now := time.Now().In(loc)
	res, err := schedule.ExpandAll(schedules, schedule.ExpandConfig{
		RangeStart:                now.AddDate(0, 0, -conf.BackfillDays),
		RangeEnd:                  now.AddDate(0, 0, conf.HorizonDays),
		MaxOccurrencesPerSchedule: conf.MaxOccurrencesPerSchedule,
	})
	if err != nil {
		return err
	}
	appLog.Info("ics import parsed", "schedules", len(schedules), "occurrences", len(res.Occurrences))
	return dumpJSON(res)
}

func dumpJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/helicare/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh and exit")
	flag.BoolVar(&cfg.dump, "dump", false, "With -once, print the snapshot as JSON")
	flag.StringVar(&cfg.importICS, "import", "", "Parse an .ics file and print its expanded occurrences")

	flag.Parse()

	return cfg
}
