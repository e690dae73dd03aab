package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/config"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/infra/file"
	"quiz-attempt-service/internal/infra/memory"
	pginfra "quiz-attempt-service/internal/infra/postgres"
	redisinfra "quiz-attempt-service/internal/infra/redis"
	"quiz-attempt-service/internal/logger"
	transport "quiz-attempt-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the attempt service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// runtime holds the wired service and whatever backends it opened.
type runtime struct {
	service *app.AttemptService
	feed    *app.Feed
	bus     *redisinfra.EventBus
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildRuntime picks backends from config: Postgres for attempts and
// assessments when a URL is set, Redis for attempts when only Redis is
// configured, memory otherwise. Redis always fronts assessments when present.
func buildRuntime(ctx context.Context, cfg config.Config, log *logger.Logger) (*runtime, error) {
	rt := &runtime{feed: app.NewFeed()}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { _ = redisClient.Close() })
	}

	var (
		pool *pgxpool.Pool
		db   *bun.DB
	)
	if cfg.Postgres.URL != "" {
		var err error
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		db = openBun(cfg.Postgres.URL)
		rt.closers = append(rt.closers, func() { _ = db.Close() })
	}

	var loader memory.AssessmentLoader
	switch {
	case pool != nil:
		loader = pginfra.NewAssessmentLoader(pool)
	case cfg.Assessments.File != "":
		fl, err := file.Load(cfg.Assessments.File)
		if err != nil {
			rt.Close()
			return nil, err
		}
		loader = fl
	default:
		loader = memory.NewStaticAssessmentLoader(sampleAssessments())
	}

	assessmentTTL := config.TTLDuration(cfg.Assessments.TTL, 10*time.Minute)
	var assessments app.AssessmentRepository
	if redisClient != nil {
		assessments = redisinfra.NewAssessmentRepository(redisClient, loader, assessmentTTL)
	} else {
		assessments = memory.NewAssessmentRepository(loader, assessmentTTL)
	}

	var store app.AttemptStore
	switch {
	case db != nil:
		store = pginfra.NewAttemptStore(db)
	case redisClient != nil:
		store = redisinfra.NewAttemptStore(redisClient)
	default:
		store = memory.NewAttemptStore()
	}

	var events app.EventPublisher = rt.feed
	if redisClient != nil {
		rt.bus = redisinfra.NewEventBus(redisClient, cfg.Redis.Channel, rt.feed, log)
		events = rt.bus
	}

	rt.service = app.NewAttemptService(store, assessments,
		app.WithLogger(log),
		app.WithEvents(events),
		app.WithLateWriteGrace(config.TTLDuration(cfg.Attempt.LateWriteGrace, time.Minute)),
	)
	return rt, nil
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	rt, err := buildRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	router := transport.NewRouter(transport.RouterConfig{
		Service:          rt.service,
		Feed:             rt.feed,
		CORSOrigins:      cfg.Server.CORSOrigins,
		AutosaveInterval: config.TTLDuration(cfg.Attempt.AutosaveInterval, 30*time.Second),
		TickInterval:     config.TTLDuration(cfg.Attempt.TickInterval, time.Second),
		Logger:           log,
	})

	// WriteTimeout stays unset so live sessions are not cut off; REST
	// routes carry their own timeout middleware.
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := app.NewReaper(rt.service,
		config.TTLDuration(cfg.Attempt.ReaperInterval, 15*time.Second),
		cfg.ReaperConcurrency(), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting attempt service", "port", finalPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return reaper.Run(gctx) })
	if rt.bus != nil {
		g.Go(func() error { return rt.bus.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// sampleAssessments backs the service when neither Postgres nor a YAML file
// is configured.
func sampleAssessments() map[string]domain.Assessment {
	limit := 10
	return map[string]domain.Assessment{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Arithmetic warm-up",
			Kind:  domain.KindQuiz,
			Questions: []domain.Question{
				{
					ID:     "q1",
					Type:   domain.QuestionMultipleChoice,
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3"},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5"},
					},
					Points: 1,
				},
				{
					ID:       "q2",
					Type:     domain.QuestionTrueFalse,
					Prompt:   "10 is an even number.",
					Accepted: []string{"true"},
					Points:   1,
				},
			},
			Settings: domain.Settings{
				TimeLimitMinutes: &limit,
				AttemptLimit:     2,
				PassingScore:     50,
				AllowReview:      true,
			},
		},
	}
}
