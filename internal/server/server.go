package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/quizsync/internal/api"
	"github.com/victornm/quizsync/internal/auth"
	"github.com/victornm/quizsync/internal/broker"
	"github.com/victornm/quizsync/internal/countdown"
	"github.com/victornm/quizsync/internal/event"
	"github.com/victornm/quizsync/internal/history"
	"github.com/victornm/quizsync/internal/leaderboard"
	"github.com/victornm/quizsync/internal/lobby"
	"github.com/victornm/quizsync/internal/quiz"
	"github.com/victornm/quizsync/internal/result"
	"github.com/victornm/quizsync/internal/round"
	"github.com/victornm/quizsync/internal/schedule"
	"github.com/victornm/quizsync/internal/store"
	"github.com/victornm/quizsync/internal/telemetry"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type PostgresConfig struct {
	Addr string
	User string
	Pass string
	Name string
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Session     RedisConfig
		Leaderboard RedisConfig
		Pubsub      RedisConfig
	}

	Postgres struct {
		Quiz    PostgresConfig
		History PostgresConfig
	}

	RabbitMQ struct {
		// URL is optional; lifecycle events are not forwarded when it is empty.
		URL      string
		Exchange string
	}

	Auth struct {
		Secret string
		TTL    time.Duration
	}

	Game struct {
		CountdownStart   int
		TickInterval     time.Duration
		RoundTime        time.Duration
		RoundGrace       time.Duration
		RevealDuration   time.Duration
		TeardownDelay    time.Duration
		SessionTTL       time.Duration
		JoinCodeAttempts int
	}
}

// DefaultConfig returns the config values used when neither the file nor the environment sets them.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Redis.Session.Prefix = "quizsync:session"
	c.Redis.Leaderboard.Prefix = "quizsync:leaderboard"
	c.Redis.Pubsub.Prefix = "quizsync:pubsub"
	c.RabbitMQ.Exchange = "quizsync.sessions"
	c.Auth.TTL = 24 * time.Hour
	c.Game.CountdownStart = 10
	c.Game.TickInterval = time.Second
	c.Game.RoundTime = 20 * time.Second
	c.Game.RoundGrace = 2 * time.Second
	c.Game.RevealDuration = 2 * time.Second
	c.Game.TeardownDelay = 30 * time.Second
	c.Game.SessionTTL = 24 * time.Hour
	c.Game.JoinCodeAttempts = 10
	return c
}

func (c *Config) Validate() error {
	var errs []error

	if len(c.Redis.Session.Addrs) == 0 {
		errs = append(errs, stderrors.New("redis.session.addrs is required"))
	}
	if len(c.Redis.Leaderboard.Addrs) == 0 {
		errs = append(errs, stderrors.New("redis.leaderboard.addrs is required"))
	}
	if len(c.Redis.Pubsub.Addrs) == 0 {
		errs = append(errs, stderrors.New("redis.pubsub.addrs is required"))
	}
	if c.Postgres.Quiz.Addr == "" {
		errs = append(errs, stderrors.New("postgres.quiz.addr is required"))
	}
	if c.Postgres.History.Addr == "" {
		errs = append(errs, stderrors.New("postgres.history.addr is required"))
	}
	if len(c.Auth.Secret) < 16 {
		errs = append(errs, stderrors.New("auth.secret must have at least 16 characters"))
	}
	if c.Game.CountdownStart < 0 {
		errs = append(errs, stderrors.New("game.countdownstart must not be negative"))
	}
	if c.Game.TickInterval <= 0 {
		errs = append(errs, stderrors.New("game.tickinterval must be positive"))
	}

	return stderrors.Join(errs...)
}

type Server struct {
	c Config

	eb    *event.Bus
	sched *schedule.Scheduler
	auth  *auth.Authenticator

	infra struct {
		redis struct {
			session     redis.UniversalClient
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres struct {
			quiz    *pgxpool.Pool
			history *pgxpool.Pool
		}

		rabbit struct {
			conn *amqp.Connection
			ch   *amqp.Channel
		}
	}

	store *store.Store

	service struct {
		quiz        *quiz.Service
		lobby       *lobby.Service
		countdown   *countdown.Service
		round       *round.Service
		result      *result.Service
		leaderboard *leaderboard.Service
		history     *history.Service
	}

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.sched = schedule.New(schedule.Config{})
	s.auth = auth.New(auth.Config{Secret: c.Auth.Secret, TTL: c.Auth.TTL})

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	if err := s.initRabbitMQ(); err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, c RedisConfig) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Addrs,
			Password: c.Pass,
		})

		if err := telemetry.MonitorRedis(name, r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.session, err = connect("session", s.c.Redis.Session)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(c PostgresConfig) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", c.User, c.Pass, c.Addr, c.Name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.quiz, err = connect(s.c.Postgres.Quiz)
	if err != nil {
		return fmt.Errorf("quiz: %w", err)
	}

	s.infra.postgres.history, err = connect(s.c.Postgres.History)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	return nil
}

func (s *Server) initRabbitMQ() error {
	if s.c.RabbitMQ.URL == "" {
		slog.Warn("server: rabbitmq url not set, session events are not forwarded")
		return nil
	}

	conn, err := amqp.Dial(s.c.RabbitMQ.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return stderrors.Join(fmt.Errorf("open channel: %w", err), conn.Close())
	}

	s.infra.rabbit.conn = conn
	s.infra.rabbit.ch = ch
	return nil
}

func (s *Server) initService() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.store = store.New(store.Config{
		Redis:  s.infra.redis.session,
		Prefix: s.c.Redis.Session.Prefix,
		TTL:    s.c.Game.SessionTTL,
	})

	s.service.quiz = quiz.NewService(quiz.Config{
		DB: s.infra.postgres.quiz,
	})
	if err := s.service.quiz.Migrate(ctx); err != nil {
		return err
	}

	s.service.history = history.NewService(history.Config{
		EventBus: s.eb,
		DB:       s.infra.postgres.history,
	})
	if err := s.service.history.Migrate(ctx); err != nil {
		return err
	}

	s.service.lobby = lobby.NewService(lobby.Config{
		Store:            s.store,
		EventBus:         s.eb,
		Quizzes:          s.service.quiz,
		JoinCodeAttempts: s.c.Game.JoinCodeAttempts,
		DefaultRoundTime: s.c.Game.RoundTime,
	})

	s.service.countdown = countdown.NewService(countdown.Config{
		Store:        s.store,
		EventBus:     s.eb,
		Scheduler:    s.sched,
		Start:        s.c.Game.CountdownStart,
		TickInterval: s.c.Game.TickInterval,
	})

	s.service.round = round.NewService(round.Config{
		Store:          s.store,
		EventBus:       s.eb,
		Scheduler:      s.sched,
		RevealDuration: s.c.Game.RevealDuration,
		RoundGrace:     s.c.Game.RoundGrace,
	})

	s.service.result = result.NewService(result.Config{
		Store:         s.store,
		EventBus:      s.eb,
		Scheduler:     s.sched,
		Quizzes:       s.service.quiz,
		TeardownDelay: s.c.Game.TeardownDelay,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
		TTL:      s.c.Game.SessionTTL,
	})

	if s.infra.rabbit.ch != nil {
		if _, err := broker.NewPublisher(broker.Config{
			EventBus: s.eb,
			Channel:  s.infra.rabbit.ch,
			Exchange: s.c.RabbitMQ.Exchange,
		}); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor(s.auth.GRPCAuthFunc()))

	api.New(api.Config{
		HTTP:         e,
		GRPC:         s.grpc,
		EventBus:     s.eb,
		Auth:         s.auth,
		Store:        s.store,
		Lobby:        s.service.lobby,
		Countdown:    s.service.countdown,
		Round:        s.service.round,
		Result:       s.service.result,
		Leaderboard:  s.service.leaderboard,
		Quizzes:      s.service.quiz,
		History:      s.service.history,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

// Shutdown stops accepting requests, cancels background jobs, drains the event bus and then closes the
// infrastructure connections.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.sched.Stop()
	s.eb.Stop()

	if s.infra.rabbit.conn != nil {
		if err := s.infra.rabbit.conn.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close rabbitmq failed", "error", err)
		}
	}

	for _, r := range []redis.UniversalClient{s.infra.redis.session, s.infra.redis.leaderboard, s.infra.redis.pubsub} {
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}

	s.infra.postgres.quiz.Close()
	s.infra.postgres.history.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
