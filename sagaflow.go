package sagaflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/internal/scheduler"
	"github.com/petrijr/sagaflow/internal/transport"
	"github.com/petrijr/sagaflow/pkg/api"
)

// Re-exports of the public contracts, so most applications only import
// this package.
type (
	State                = api.State
	ItemState            = api.ItemState
	Step                 = api.Step
	StepKind             = api.StepKind
	Position             = api.Position
	FlowDefinition       = api.FlowDefinition
	Snapshot             = api.Snapshot
	Result               = api.Result
	Status               = api.Status
	WaitCondition        = api.WaitCondition
	WaitMode             = api.WaitMode
	TimeoutPayload       = api.TimeoutPayload
	FailureAction        = api.FailureAction
	FailureActionKind    = api.FailureActionKind
	MessageFactory       = api.MessageFactory
	ResultSetter         = api.ResultSetter
	Predicate            = api.Predicate
	Selector             = api.Selector
	ItemsSelector        = api.ItemsSelector
	EventFactory         = api.EventFactory
	WaitConditionFactory = api.WaitConditionFactory
	EventProjection      = api.EventProjection
	Observer             = api.Observer
	Transport            = api.Transport
	DispatchError        = api.DispatchError
	SnapshotFilter       = api.SnapshotFilter
)

const (
	StatusPending   = api.StatusPending
	StatusRunning   = api.StatusRunning
	StatusWaiting   = api.StatusWaiting
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled

	WaitSingle = api.WaitSingle
	WaitAll    = api.WaitAll

	FailStop     = api.FailStop
	FailContinue = api.FailContinue
	FailRetry    = api.FailRetry
)

// ElseBranch is the reserved child index naming the Else or Default
// branch in a Position path.
const ElseBranch = api.ElseBranch

// RootPosition is the empty resumption cursor.
func RootPosition() Position { return api.RootPosition() }

// NewPosition builds a Position from explicit path elements.
func NewPosition(path ...int) Position { return api.NewPosition(path...) }

// ParsePosition parses a Position from its Key form.
func ParsePosition(s string) (Position, error) { return api.ParsePosition(s) }

// Sentinel errors surfaced by engines and stores.
var (
	ErrSnapshotNotFound   = persistence.ErrSnapshotNotFound
	ErrWaitNotFound       = persistence.ErrWaitNotFound
	ErrVersionConflict    = persistence.ErrVersionConflict
	ErrFlowAlreadyStarted = engine.ErrFlowAlreadyStarted
)

// Engine is the concrete engine; it satisfies api.Engine.
type Engine = engine.Engine

// MemoryTransport is an in-process transport for tests and local runs:
// sends and publishes are recorded, queries answered by registered
// handlers.
type MemoryTransport = transport.InMemoryTransport

// QueryHandler answers in-memory queries; see MemoryTransport.HandleQuery.
type QueryHandler = transport.QueryHandler

// AMQPTransport dispatches over RabbitMQ: commands to queues, events to
// a topic exchange, queries as reply-to RPC.
type AMQPTransport = transport.AMQPTransport

// AMQPConnection is a self-reconnecting broker connection shared by
// transports.
type AMQPConnection = transport.Connection

func NewMemoryTransport() *MemoryTransport {
	return transport.NewInMemoryTransport()
}

// DialAMQP opens a reconnecting connection to the broker.
func DialAMQP(url string, logger *slog.Logger) (*AMQPConnection, error) {
	return transport.NewConnection(url, logger)
}

// NewAMQPTransport declares the exchange and queue topology on conn
// and returns a transport bound to it.
func NewAMQPTransport(conn *AMQPConnection, logger *slog.Logger) (*AMQPTransport, error) {
	return transport.NewAMQPTransport(conn, logger)
}

// RegisterStateType registers a concrete state type with the snapshot
// codec. Call it once per state type before starting flows against a
// durable store.
func RegisterStateType(v any) {
	persistence.RegisterStateType(v)
}

// NewLoggingObserver returns an observer that logs flow and step
// transitions through slog.
func NewLoggingObserver(logger *slog.Logger) Observer {
	return api.NewLoggingObserver(logger)
}

// NewCompositeObserver fans callbacks out to each non-nil observer.
func NewCompositeObserver(obs ...Observer) Observer {
	return api.NewCompositeObserver(obs...)
}

// NewMetricsObserver exports flow and step counters to a Prometheus
// registry; a nil registerer uses the default one.
func NewMetricsObserver(reg prometheus.Registerer) Observer {
	return api.NewMetricsObserver(reg)
}

func newEngine(t api.Transport, p persistence.Persistence, obs api.Observer) (*Engine, error) {
	return engine.New(engine.Config{Transport: t, Persistence: p, Observer: obs})
}

// NewInMemoryEngine wires an engine against in-process stores. Suited
// to tests and single-process runs; nothing survives a restart.
func NewInMemoryEngine(t Transport, obs Observer) (*Engine, error) {
	store := persistence.NewInMemoryStore()
	return newEngine(t, persistence.Persistence{Snapshots: store, Waits: store, Claims: store}, obs)
}

// NewSQLiteEngine wires an engine against a SQLite database, creating
// the schema when missing.
func NewSQLiteEngine(db *sql.DB, t Transport, obs Observer) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(t, persistence.Persistence{Snapshots: store, Waits: store, Claims: store}, obs)
}

// NewPostgresEngine wires an engine against a pgx pool, creating the
// schema when missing.
func NewPostgresEngine(ctx context.Context, pool *pgxpool.Pool, t Transport, obs Observer) (*Engine, error) {
	store, err := persistence.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, err
	}
	return newEngine(t, persistence.Persistence{Snapshots: store, Waits: store, Claims: store}, obs)
}

// NewRedisEngine wires an engine against a Redis client. An empty
// prefix selects the default "sagaflow:" namespace.
func NewRedisEngine(client *redis.Client, prefix string, t Transport, obs Observer) (*Engine, error) {
	store := persistence.NewRedisStore(client, prefix)
	return newEngine(t, persistence.Persistence{Snapshots: store, Waits: store, Claims: store}, obs)
}

// OpenEngine wires an engine from a loaded Config: the store and
// transport named by the [engine] section are constructed around it.
// The context bounds backend connection setup. The sqlite store needs a
// driver registered under "sqlite" (for example modernc.org/sqlite,
// imported for side effects).
func OpenEngine(ctx context.Context, cfg Config, obs Observer) (*Engine, error) {
	tr, err := openTransport(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Engine.Store {
	case "", "memory":
		return NewInMemoryEngine(tr, obs)

	case "sqlite":
		if cfg.SQLite.Path == "" {
			return nil, errors.New("config: sqlite store requires a path")
		}
		db, err := sql.Open("sqlite", cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteEngine(db, tr, obs)

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresEngine(ctx, pool, tr, obs)

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisEngine(client, cfg.Redis.Prefix, tr, obs)

	default:
		return nil, fmt.Errorf("config: unknown store %q", cfg.Engine.Store)
	}
}

func openTransport(cfg Config) (Transport, error) {
	switch cfg.Engine.Transport {
	case "", "memory":
		return NewMemoryTransport(), nil
	case "amqp":
		conn, err := DialAMQP(cfg.AMQP.URL, slog.Default())
		if err != nil {
			return nil, err
		}
		return NewAMQPTransport(conn, slog.Default())
	default:
		return nil, fmt.Errorf("config: unknown transport %q", cfg.Engine.Transport)
	}
}

// Scheduler resumes stale flows claimed through the engine's claim
// store and expires overdue waits on a cron schedule.
type Scheduler = scheduler.Runner

// RunnerConfig tunes a Scheduler; see the scheduler defaults for the
// zero values.
type RunnerConfig = scheduler.Config

// NewScheduler builds a Scheduler sharing the engine's stores. Call
// Start on it after registering the named flows.
func NewScheduler(eng *Engine, cfg RunnerConfig, logger *slog.Logger) (*Scheduler, error) {
	return scheduler.New(eng, eng.Stores(), cfg, logger)
}
