package oliver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/kaspercito/oliver/oliver.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

// Oliver is the bot: it owns the conversation store, the orchestration
// pipeline, the discord gateway connection, and the status server.
type Oliver struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger     *slog.Logger
	logHandler slog.Handler

	store        *ConversationStore
	adapter      *StoreAdapter
	queue        *RequestQueue
	model        *ModelGenerator
	orchestrator *Orchestrator

	// Handles the discord gateway session
	discord *Discord

	// Serves /health and /status
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// New assembles a bot from the given config. The local snapshot is loaded
// here; a missing or unreadable snapshot starts the bot with empty memory
// rather than failing.
func New(config *Config) (*Oliver, error) {
	var errs []error

	b := &Oliver{
		config:     config,
		signalStop: make(chan struct{}, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	mirror := NewMirror(config.Store.Mirror, b.logger)
	b.adapter = NewStoreAdapter(config.Store, mirror, b.logger)
	b.store = b.adapter.Load(context.Background())

	b.queue = NewRequestQueue(config.Queue, b.logger)
	b.model = newModelGenerator(
		config.Model,
		b.queue,
		config.HTTPClient,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Model.LogLevel,
					AddSource: true,
				},
			),
		),
	)

	b.orchestrator = NewOrchestrator(
		config.Chat,
		b.store,
		b.adapter,
		b.model,
		b.logger,
	)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}
	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.bot = b
		b.discord = disc
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if config.API != nil && config.API.Enabled {
		api := newAPI(b, config.API)
		api.logger = b.logger.With(loggerNameKey, "api")
		b.api = api
	}

	return b, errors.Join(errs...)
}

// ValidateConfig checks the config's binding tags.
func (b *Oliver) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Run connects to discord, starts the status server, and blocks until
// the context is canceled or Stop is called, then shuts down gracefully.
func (b *Oliver) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if err := b.ValidateConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	b.startedAt = time.Now()
	b.logger.InfoContext(
		ctx,
		"starting",
		"version", Version,
		"config", b.config,
	)

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	// handlers get the long-lived run context; startCtx expires once
	// startup is over
	if err := b.discord.connect(startCtx, ctx); err != nil {
		return err
	}

	g, runCtx := errgroup.WithContext(ctx)

	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(runCtx)
			},
		)
	}

	g.Go(
		func() error {
			select {
			case <-runCtx.Done():
				b.logger.Warn("context canceled, shutting down")
			case <-b.signalStop:
				b.logger.Warn("got stop signal, shutting down")
			}
			b.shutdown()
			return nil
		},
	)

	return g.Wait()
}

// Stop signals a running bot to shut down.
func (b *Oliver) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// shutdown closes the discord session, flushes any dirty state, and stops
// the status server, bounded by the configured shutdown timeout.
func (b *Oliver) shutdown() {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer cancel()

	if err := b.discord.close(); err != nil {
		b.logger.Warn("error closing discord session", tint.Err(err))
	}

	// final flush; a no-op unless a request left the store dirty
	b.adapter.Save(ctx, b.store)

	if b.api != nil {
		b.api.shutdown(ctx)
	}
	b.logger.Info("shutdown complete", "uptime", time.Since(b.startedAt))
}
