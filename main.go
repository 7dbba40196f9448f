package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/anitrack/anitrack/internal/adapters/database"
	"github.com/anitrack/anitrack/internal/adapters/kvstore"
	"github.com/anitrack/anitrack/internal/apiclient"
	"github.com/anitrack/anitrack/internal/auth"
	"github.com/anitrack/anitrack/internal/cachestore"
	"github.com/anitrack/anitrack/internal/conditional"
	"github.com/anitrack/anitrack/internal/config"
	"github.com/anitrack/anitrack/internal/domain"
	"github.com/anitrack/anitrack/internal/etagstore"
	"github.com/anitrack/anitrack/internal/logging"
	"github.com/anitrack/anitrack/internal/notify"
	"github.com/anitrack/anitrack/internal/ratelimiting"
	"github.com/anitrack/anitrack/internal/reporting"
	"github.com/anitrack/anitrack/internal/resources"
	"github.com/anitrack/anitrack/internal/session"
	"github.com/anitrack/anitrack/internal/telemetry"
)

type Globals struct {
	Output  string `help:"Output format." enum:"json,yaml" default:"json" short:"o"`
	Verbose bool   `help:"Log debug output to stderr." short:"v"`
}

type CLI struct {
	Globals

	Genres       GenresCmd       `cmd:"" help:"List genres, or show one genre."`
	Anime        AnimeCmd        `cmd:"" help:"Show anime details."`
	Schedule     ScheduleCmd     `cmd:"" help:"Show airing schedules."`
	Leaderboard  LeaderboardCmd  `cmd:"" help:"Show a leaderboard page."`
	Settings     SettingsCmd     `cmd:"" help:"Show or update your settings."`
	Stats        StatsCmd        `cmd:"" help:"Show your watch statistics."`
	Timezones    TimezonesCmd    `cmd:"" help:"List supported timezones."`
	Achievements AchievementsCmd `cmd:"" help:"List your achievements."`
	Whoami       WhoamiCmd       `cmd:"" help:"Show the logged in user."`
	Login        LoginCmd        `cmd:"" help:"Store an access token."`
	Logout       LogoutCmd       `cmd:"" help:"Forget the access token and every per-user cache."`
	Watch        WatchCmd        `cmd:"" help:"Print notifications as they arrive."`
	ClearCache   ClearCacheCmd   `cmd:"" help:"Clear cached responses."`
}

// app holds every long lived component of one invocation
type app struct {
	session   *session.Session
	etags     *etagstore.ETagStore
	resources *resources.Service
	socket    *notify.Manager
	auth      *auth.Coordinator
	printer   *printer
}

func newLogger(verbose bool, instanceID string) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(logging.NewTraceHandler(handler)).With("instanceID", instanceID)
}

func openStore(ctx context.Context, conf config.Config) (kvstore.Store, func(), error) {
	logger := logging.FromContext(ctx)

	switch conf.StoreKind() {
	case config.StoreMemory:
		return kvstore.NewMemoryStore(), func() {}, nil
	case config.StoreFile:
		store, err := kvstore.NewFileStore(conf.StoreDir())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return store, func() {}, nil
	case config.StorePostgres:
		db, err := database.NewPostgresDatabase(conf.DatabaseURL())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		schemaName := database.GetSchemaName(!conf.IsProduction())
		err = database.NewDatabaseMigrator(db, logger.With("component", "migrator")).Migrate(ctx, schemaName)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		return kvstore.NewPostgresStore(db, schemaName), func() { db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown store %q", config.ErrInvalidValue, conf.StoreKind())
}

func newApp(ctx context.Context, conf config.Config, store kvstore.Store, httpClient apiclient.HttpClient, p *printer) (*app, func(), error) {
	logger := logging.FromContext(ctx)

	sess := session.New(store)

	client, err := apiclient.NewClient(
		httpClient,
		conf.APIURL(),
		conf.APIKey(),
		sess,
		apiclient.WithOnUnauthorized(func(ctx context.Context) {
			p.notice("Your session has expired, log in again with `anitrack login`")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize api client: %w", err)
	}

	etags := etagstore.New(store)
	cache := cachestore.New(store, time.Now)
	service := resources.NewService(conditional.NewFetcher(client, etags), client, cache, etags)

	retriggerLimiter, stopLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillInterval(10*time.Second),
		ratelimiting.BurstSize(3),
	)
	socket, err := notify.NewManager(conf.SocketURL(), sess, notify.WithRetriggerLimiter(retriggerLimiter))
	if err != nil {
		stopLimiter()
		return nil, nil, fmt.Errorf("failed to initialize notification socket: %w", err)
	}

	coordinator := auth.NewCoordinator(client, sess, socket, etags, service)

	logger.Debug("Initialized app")

	cleanup := func() {
		socket.Disconnect(ctx)
		stopLimiter()
	}

	return &app{
		session:   sess,
		etags:     etags,
		resources: service,
		socket:    socket,
		auth:      coordinator,
		printer:   p,
	}, cleanup, nil
}

func run(ctx context.Context, kctx *kong.Context, globals Globals) error {
	instanceID := uuid.New().String()
	logger := newLogger(globals.Verbose, instanceID)
	ctx = logging.AddToContext(ctx, logger)

	conf, err := config.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Debug("Loaded config", "config", conf.NonSensitiveString())

	flush, err := reporting.InitSentryOrMock(conf)
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	defer flush()
	ctx = reporting.AddHubToContext(ctx)
	ctx = reporting.SetStartedAtInContext(ctx, time.Now())
	ctx = reporting.AddTagsToContext(ctx, map[string]string{
		"instanceID": instanceID,
		"command":    kctx.Command(),
	})

	if conf.TelemetryEnabled() {
		shutdown, err := telemetry.SetupOTelSDK(ctx, "anitrack")
		if err != nil {
			return fmt.Errorf("failed to set up telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to shut down telemetry", "error", err.Error())
			}
		}()
	}

	store, closeStore, err := openStore(ctx, conf)
	if err != nil {
		return err
	}
	defer closeStore()

	httpClient := &http.Client{
		Timeout:   conf.RequestTimeout(),
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	p := newPrinter(os.Stdout, os.Stderr, globals.Output)
	a, cleanup, err := newApp(ctx, conf, store, httpClient, p)
	if err != nil {
		return err
	}
	defer cleanup()

	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(a)
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrUnauthenticated):
		return 3
	case errors.Is(err, domain.ErrNetwork), errors.Is(err, domain.ErrTemporarilyUnavailable):
		return 4
	case errors.Is(err, domain.ErrInvalidInput):
		return 2
	}
	return 1
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("anitrack"),
		kong.Description("Browse the anime catalogue and follow your notifications."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, kctx, cli.Globals)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(exitCode(err))
	}
}
