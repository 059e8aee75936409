package sagaflow

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings such
// as "30s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the optional TOML configuration for an embedding
// application: which store and transport to wire and the flow policy
// defaults. Programmatic wiring does not need it.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	AMQP      AMQPConfig      `toml:"amqp"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Scheduler SchedulerConfig `toml:"scheduler"`
}

type EngineConfig struct {
	// Store selects the persistence backend: memory, sqlite, postgres
	// or redis.
	Store string `toml:"store"`

	// Transport selects the dispatch backend: memory or amqp.
	Transport string `toml:"transport"`

	DefaultTimeout Duration `toml:"default_timeout"`
	DefaultRetries int      `toml:"default_retries"`
}

type AMQPConfig struct {
	URL string `toml:"url"`
}

type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type SchedulerConfig struct {
	// OwnerID identifies this node in the claim store; empty means a
	// generated id.
	OwnerID string `toml:"owner_id"`

	PollInterval      Duration `toml:"poll_interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	StaleAfter        Duration `toml:"stale_after"`

	// SweepSpec is the cron spec for the wait-expiry sweep.
	SweepSpec string `toml:"sweep_spec"`
}

// Runner converts the [scheduler] section into the RunnerConfig a
// NewScheduler call expects, scoped to the given flow names.
func (c SchedulerConfig) Runner(flowNames ...string) RunnerConfig {
	return RunnerConfig{
		OwnerID:           c.OwnerID,
		FlowNames:         flowNames,
		PollInterval:      c.PollInterval.Std(),
		HeartbeatInterval: c.HeartbeatInterval.Std(),
		StaleAfter:        c.StaleAfter.Std(),
		SweepSpec:         c.SweepSpec,
	}
}

// DefaultConfig returns the configuration used when a field is left
// unset: in-memory store and transport, standard policy defaults.
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			Store:          "memory",
			Transport:      "memory",
			DefaultTimeout: Duration(10 * time.Minute),
		},
		Scheduler: SchedulerConfig{
			PollInterval:      Duration(2 * time.Second),
			HeartbeatInterval: Duration(5 * time.Second),
			StaleAfter:        Duration(30 * time.Second),
			SweepSpec:         "@every 15s",
		},
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
