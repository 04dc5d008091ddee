package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quizpath-engine/internal/app"
	"quizpath-engine/internal/config"
	"quizpath-engine/internal/domain"
	"quizpath-engine/internal/infra/memory"
	rediscache "quizpath-engine/internal/infra/redis"
	"quizpath-engine/internal/infra/store"
	remotepg "quizpath-engine/internal/remote/postgres"
	transport "quizpath-engine/internal/transport/http"
	"quizpath-engine/pkg/logger"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the engine's HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// engine bundles the wired services plus their teardown.
type engine struct {
	store    *store.Store
	claims   *app.ClaimService
	sessions *app.SessionService
	outbox   *app.OutboxService
	log      *zap.Logger

	closers []func()
}

func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// buildEngine wires the local store, the remote source (hosted Postgres
// when configured, the demo fixture otherwise), the optional Redis cache
// and the services on top.
func buildEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	log := logger.New(cfg.Server.Mode, cfg.Log.File)

	dsn := cfg.Store.DSN
	if dsn == "" {
		dsn = "file:quizpath.db"
	}
	localStore, err := store.Open(cfg.Store.Driver, dsn, log)
	if err != nil {
		return nil, err
	}
	if err := localStore.Migrate(ctx); err != nil {
		localStore.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	e := &engine{store: localStore, log: log}
	e.closers = append(e.closers, func() { _ = localStore.Close() })

	var remote app.RemoteSource
	if cfg.Remote.PostgresURL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Remote.PostgresURL)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("connect content db: %w", err)
		}
		e.closers = append(e.closers, pool.Close)
		remote = remotepg.NewSource(pool)
	} else {
		log.Info("no content database configured, serving the demo fixture")
		remote = sampleSource()
	}

	if cfg.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		e.closers = append(e.closers, func() { _ = client.Close() })
		ttl := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)
		remote = rediscache.NewSourceCache(client, remote, ttl)
	}

	e.outbox = app.NewOutboxService(localStore, remote, log)
	e.claims = app.NewClaimService(localStore, remote, e.outbox, log)
	e.sessions = app.NewSessionService(localStore, log)
	return e, nil
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	e, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	transport.NewHandler(e.claims, e.sessions, e.outbox, e.log).Register(mux)
	mux.HandleFunc("/ws/progress", transport.NewWSHandler(e.sessions, e.log).ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		e.log.Info("starting quizpath engine", zap.String("port", finalPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Error("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		e.log.Info("shutting down server")
	case <-ctx.Done():
		e.log.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleSource provides a small claimable quiz so the engine is usable
// without a configured content database.
func sampleSource() *memory.StaticSource {
	source := memory.NewStaticSource()
	source.Codes["DEMO-2024"] = domain.CodeGrant{QuizID: "quiz-demo", CodeID: "code-demo"}
	source.Quizzes["quiz-demo"] = domain.Quiz{
		ID:          "quiz-demo",
		Name:        "Demo: World Capitals",
		IsPublished: true,
		Domains:     []string{"dom-capitals"},
	}
	source.Domains["dom-capitals"] = domain.Domain{ID: "dom-capitals", Name: "Capitals"}
	source.Questions["dom-capitals"] = []domain.Question{
		{ID: "q-paris", Body: "What is the capital of France?", Options: []string{"*Paris", "Lyon", "Marseille"}, Position: 0},
		{ID: "q-tokyo", Body: "What is the capital of Japan?", Options: []string{"Osaka", "*Tokyo", "Kyoto"}, Position: 1},
		{ID: "q-ottawa", Body: "What is the capital of Canada?", Options: []string{"Toronto", "Vancouver", "*Ottawa"}, Position: 2},
		{ID: "q-canberra", Body: "What is the capital of Australia?", Options: []string{"Sydney", "*Canberra", "Melbourne"}, Position: 3},
		{ID: "q-brasilia", Body: "What is the capital of Brazil?", Options: []string{"*Brasília", "Rio de Janeiro", "São Paulo"}, Position: 4},
		{ID: "q-nairobi", Body: "What is the capital of Kenya?", Options: []string{"Mombasa", "*Nairobi", "Kisumu"}, Position: 5},
	}
	source.NamePool = []domain.LevelName{
		{ID: "ln-1", Type: domain.LevelTypeNormal, Name: "Base Camp", Position: 0},
		{ID: "ln-2", Type: domain.LevelTypeNormal, Name: "Ridge Line", Position: 1},
		{ID: "ln-3", Type: domain.LevelTypeMiniBoss, Name: "Checkpoint", Position: 0},
		{ID: "ln-4", Type: domain.LevelTypeBoss, Name: "Summit", Position: 0},
	}
	return source
}
