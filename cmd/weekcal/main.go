package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"golang.org/x/term"

	"weekcal/internal/calendar"
	"weekcal/internal/config"
	"weekcal/internal/feed"
	"weekcal/internal/ics"
	appLog "weekcal/internal/log"
	"weekcal/internal/notify"
	"weekcal/internal/render"
	"weekcal/internal/storage/file"
	"weekcal/internal/storage/postgres"
	"weekcal/internal/web"
)

const shutdownTimeout = 10 * time.Second

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	week       string
}

// snapshotStore is what both store drivers provide.
type snapshotStore interface {
	feed.SnapshotStore
	Prune(ctx context.Context, keep []string) (int, error)
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		if err := hashPassword(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	flags := parseFlags()
	if err := run(flags); err != nil {
		appLog.Error("weekcal failed", err)
		os.Exit(1)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh all feeds once, print the week agenda and exit")
	flag.StringVar(&cfg.week, "week", "", "Any date (YYYY-MM-DD) of the week to print with -once; default is the current week")

	flag.Parse()

	return cfg
}

func run(flags flagConfig) error {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	loc, err := conf.Location()
	if err != nil {
		return err
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", loc.String(),
		"feeds", len(conf.Feeds),
		"store", conf.Store.Driver,
		"notify", conf.Notify.URL != "",
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, conf)
	if err != nil {
		return err
	}
	defer closeStore()

	if store != nil {
		if n, err := store.Prune(ctx, feedIDs(conf.Feeds)); err != nil {
			appLog.Error("prune snapshots", err)
		} else if n > 0 {
			appLog.Info("pruned snapshots of removed feeds", "count", n)
		}
	}

	opts := feed.ManagerOptions{
		Refresh:  conf.Refresh,
		Expand:   conf.Expand,
		Location: loc,
	}
	if store != nil {
		opts.Store = store
	}
	if conf.Notify.URL != "" && !flags.once {
		n, err := notify.NewRabbitMQ(notify.Config{
			URL:        conf.Notify.URL,
			Exchange:   conf.Notify.Exchange,
			RoutingKey: conf.Notify.RoutingKey,
			QueueName:  conf.Notify.Queue,
		})
		if err != nil {
			// Notifications are optional; the calendar still works without them.
			appLog.Error("rabbitmq unavailable, notifications disabled", err)
		} else {
			opts.Notifier = n
		}
	}

	fetcher := ics.NewFetcher(ics.FetcherConfig{
		CacheDir:       conf.Fetch.CacheDir,
		Timeout:        conf.Fetch.Timeout,
		MaxBodyBytes:   conf.Fetch.MaxBodyBytes,
		UserAgent:      conf.Fetch.UserAgent,
		MaxAttempts:    conf.Fetch.Retry.MaxAttempts,
		InitialBackoff: conf.Fetch.Retry.InitialBackoff,
		MaxBackoff:     conf.Fetch.Retry.MaxBackoff,
	})

	mgr := feed.NewManager(fetcher, opts)
	mgr.SetFeeds(ctx, conf.Feeds)

	if flags.once {
		return runOnce(ctx, mgr, loc, flags.week)
	}
	return serve(ctx, mgr, conf, flags.configPath, loc)
}

func runOnce(ctx context.Context, mgr *feed.Manager, loc *time.Location, weekArg string) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = mgr.Close(closeCtx)
	}()

	day := time.Now().In(loc)
	if weekArg != "" {
		parsed, err := time.ParseInLocation("2006-01-02", weekArg, loc)
		if err != nil {
			return fmt.Errorf("-week: %w", err)
		}
		day = parsed
	}

	if err := mgr.RefreshAll(ctx); err != nil {
		appLog.Warn("some feeds failed to refresh", "err", err)
	}

	week := calendar.Build(mgr.Events(), calendar.StartOfWeek(day, loc), loc)
	return render.NewAgenda(os.Stdout, loc).Week(week, mgr.Failed())
}

func serve(ctx context.Context, mgr *feed.Manager, conf *config.Config, configPath string, loc *time.Location) error {
	mgr.Start()
	go func() {
		if err := mgr.RefreshAll(ctx); err != nil {
			appLog.Warn("initial refresh: some feeds failed", "err", err)
		}
	}()

	go reloadOnHangup(ctx, mgr, configPath)

	api := web.NewServer(mgr, web.Options{Location: loc, BasicAuth: conf.BasicAuth})
	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown", err)
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		appLog.Error("feed manager shutdown", err)
	}

	appLog.Info("weekcal exiting")
	return serveErr
}

// reloadOnHangup re-reads the feed list on SIGHUP. Other settings need a
// restart.
func reloadOnHangup(ctx context.Context, mgr *feed.Manager, configPath string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			conf, err := config.Load(configPath)
			if err != nil {
				appLog.Error("reload config", err, "config_path", configPath)
				continue
			}
			appLog.Info("reloading feeds", "feeds", len(conf.Feeds))
			mgr.SetFeeds(ctx, conf.Feeds)
		}
	}
}

func openStore(ctx context.Context, conf *config.Config) (snapshotStore, func(), error) {
	noop := func() {}

	switch conf.Store.Driver {
	case "none":
		return nil, noop, nil
	case "postgres":
		db, err := postgres.Open(ctx, conf.Store.DSN)
		if err != nil {
			return nil, noop, err
		}
		store := postgres.NewSnapshotStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, noop, err
		}
		return store, func() { db.Close() }, nil
	default:
		store, err := file.NewSnapshotStore(conf.Store.Dir)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	}
}

func feedIDs(feeds []config.FeedConfig) []string {
	ids := make([]string, 0, len(feeds))
	for _, f := range feeds {
		ids = append(ids, f.ID)
	}
	return ids
}

// hashPassword prompts for a password and prints its Argon2id hash for
// basic_auth.password_hash.
func hashPassword() error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("hash-password needs an interactive terminal")
	}

	fmt.Fprint(os.Stderr, "Enter password:   ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	confirm, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	if len(pw) == 0 {
		return errors.New("password cannot be empty")
	}
	if string(pw) != string(confirm) {
		return errors.New("passwords do not match")
	}

	hash, err := web.HashPassword(string(pw))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
