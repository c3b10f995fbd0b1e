package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/corelearn/orchestrator/internal/model"
	"github.com/corelearn/orchestrator/internal/ratelimit"
)

// Config is the full orchestrator configuration loaded from YAML
type Config struct {
	App     AppConfig    `mapstructure:"app"`
	Server  ServerConfig `mapstructure:"server"`
	Workers int          `mapstructure:"workers"`

	Queue        QueueConfig        `mapstructure:"queue"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	Timeouts     TimeoutsConfig     `mapstructure:"timeouts"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Health       HealthConfig       `mapstructure:"health"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	NATS         NATSConfig         `mapstructure:"nats"`

	// Agents maps agent name to base URL.
	Agents        map[string]string   `mapstructure:"agents"`
	RoutingRules  []model.RoutingRule `mapstructure:"routing_rules"`
	ErrorRecovery ErrorRecoveryConfig `mapstructure:"error_recovery"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type QueueConfig struct {
	MaxSize int `mapstructure:"max_size"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type RateLimitingConfig struct {
	Default   ratelimit.Limit            `mapstructure:"default"`
	Endpoints map[string]ratelimit.Limit `mapstructure:"endpoints"`

	// RedisAddr switches the bucket store from process-local to Redis
	// when set.
	RedisAddr string `mapstructure:"redis_addr"`
}

type TimeoutsConfig struct {
	Dispatch   time.Duration `mapstructure:"dispatch"`
	TaskBudget time.Duration `mapstructure:"task_budget"`
}

type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`

	// HealthyThreshold is the minimum healthy/total agent ratio for the
	// snapshot to report healthy.
	HealthyThreshold float64 `mapstructure:"healthy_threshold"`
}

type RegistryConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	SweepEvery time.Duration `mapstructure:"sweep_every"`
}

type NATSConfig struct {
	// URL enables the task event bus when set
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type ErrorRecoveryConfig struct {
	// Fallbacks maps an agent to the agent that serves its tasks after a
	// delivery failure.
	Fallbacks map[string]string `mapstructure:"fallbacks"`
}

// Load reads and validates the configuration file at path
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "orchestrator")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("workers", 4)
	v.SetDefault("queue.max_size", 100)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)
	v.SetDefault("rate_limiting.default.rate", 10.0)
	v.SetDefault("rate_limiting.default.burst", 20)
	v.SetDefault("timeouts.dispatch", 10*time.Second)
	v.SetDefault("timeouts.task_budget", 60*time.Second)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("health.interval", 15*time.Second)
	v.SetDefault("health.healthy_threshold", 1.0)
	v.SetDefault("registry.ttl", time.Hour)
	v.SetDefault("registry.sweep_every", 10*time.Minute)
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
}

// Validate checks cross-field consistency after unmarshalling
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	if len(c.RoutingRules) == 0 {
		return fmt.Errorf("at least one routing rule must be configured")
	}

	for _, rule := range c.RoutingRules {
		if _, ok := c.Agents[rule.TargetAgent]; !ok {
			return fmt.Errorf("routing rule %q targets unknown agent %q", rule.Pattern, rule.TargetAgent)
		}
	}
	for agent, fallback := range c.ErrorRecovery.Fallbacks {
		if _, ok := c.Agents[agent]; !ok {
			return fmt.Errorf("fallback configured for unknown agent %q", agent)
		}
		if _, ok := c.Agents[fallback]; !ok {
			return fmt.Errorf("fallback %q for agent %q is not a configured agent", fallback, agent)
		}
		if fallback == agent {
			return fmt.Errorf("agent %q cannot be its own fallback", agent)
		}
	}

	return nil
}
