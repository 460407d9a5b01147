package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Signal struct {
		// URL of the signaling gateway websocket endpoint.
		URL string `yaml:"url"`
		// HeartbeatTimeout closes the connection when no frame (including
		// ping echoes) arrives within it.
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		// HandshakeTimeout bounds a single dial attempt.
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		// SuccessThreshold: a connection open this long resets the reconnect
		// backoff to its minimum delay.
		SuccessThreshold time.Duration `yaml:"success_threshold"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`

		Backoff struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
			JitterFactor float64       `yaml:"jitter_factor"`
		} `yaml:"backoff"`
	} `yaml:"signal"`

	Media struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`

		// Renegotiation backoff; recovery is abandoned once the elapsed time
		// since it started exceeds max_delay.
		Backoff struct {
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
			Multiplier   float64       `yaml:"multiplier"`
			JitterFactor float64       `yaml:"jitter_factor"`
		} `yaml:"backoff"`
	} `yaml:"media"`

	Monitor struct {
		SampleInterval time.Duration `yaml:"sample_interval"`
		// LevelSampleInterval is the faster tick for audio-level sub-samples.
		LevelSampleInterval time.Duration `yaml:"level_sample_interval"`
		// WarningDwell is the minimum time a warning stays raised before it
		// may clear.
		WarningDwell time.Duration `yaml:"warning_dwell"`
		// WarmupDelay suppresses warning evaluation at the start of a call.
		WarmupDelay time.Duration `yaml:"warmup_delay"`
	} `yaml:"monitor"`

	DTMF struct {
		// Outgoing dtmf messages per second, with burst.
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"dtmf"`

	Registration struct {
		// Interval between register refreshes; 0 disables re-registration.
		Interval time.Duration `yaml:"interval"`
	} `yaml:"registration"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Gateway struct {
		Address   string        `yaml:"address"`
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`

		Redis RedisConfig `yaml:"redis"`

		RateLimiting struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limiting"`
	} `yaml:"gateway"`
}

// RedisConfig is the connection policy for the gateway's shared call store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if c.Signal.HeartbeatTimeout <= 0 {
		return fmt.Errorf("signal.heartbeat_timeout must be > 0")
	}
	if c.Signal.HandshakeTimeout <= 0 {
		return fmt.Errorf("signal.handshake_timeout must be > 0")
	}
	if c.Signal.HandshakeTimeout >= c.Signal.HeartbeatTimeout {
		return fmt.Errorf("signal.handshake_timeout must be < heartbeat_timeout")
	}
	if c.Signal.SuccessThreshold <= 0 {
		return fmt.Errorf("signal.success_threshold must be > 0")
	}
	if c.Signal.Backoff.InitialDelay <= 0 || c.Signal.Backoff.MaxDelay <= 0 {
		return fmt.Errorf("signal.backoff delays must be > 0")
	}
	if c.Signal.Backoff.InitialDelay > c.Signal.Backoff.MaxDelay {
		return fmt.Errorf("signal.backoff.initial_delay must be <= max_delay")
	}
	if c.Signal.Backoff.Multiplier < 1 {
		return fmt.Errorf("signal.backoff.multiplier must be >= 1")
	}
	if c.Signal.Backoff.JitterFactor < 0 || c.Signal.Backoff.JitterFactor >= 1 {
		return fmt.Errorf("signal.backoff.jitter_factor must be in [0, 1)")
	}

	if c.Media.PortRange.Min > 0 || c.Media.PortRange.Max > 0 {
		if c.Media.PortRange.Min == 0 || c.Media.PortRange.Max == 0 {
			return fmt.Errorf("media.port_range.min and max must both be set when one is set")
		}
		if c.Media.PortRange.Min >= c.Media.PortRange.Max {
			return fmt.Errorf("media.port_range.min must be < max")
		}
	}
	if c.Media.Backoff.InitialDelay <= 0 || c.Media.Backoff.MaxDelay <= 0 {
		return fmt.Errorf("media.backoff delays must be > 0")
	}

	if c.Monitor.SampleInterval <= 0 {
		return fmt.Errorf("monitor.sample_interval must be > 0")
	}
	if c.Monitor.LevelSampleInterval <= 0 {
		return fmt.Errorf("monitor.level_sample_interval must be > 0")
	}
	if c.Monitor.LevelSampleInterval >= c.Monitor.SampleInterval {
		return fmt.Errorf("monitor.level_sample_interval must be < sample_interval")
	}
	if c.Monitor.WarningDwell < 0 {
		return fmt.Errorf("monitor.warning_dwell must be >= 0")
	}

	if c.DTMF.RatePerSecond <= 0 {
		return fmt.Errorf("dtmf.rate_per_second must be > 0")
	}
	if c.DTMF.Burst <= 0 {
		return fmt.Errorf("dtmf.burst must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.Gateway.Address != "" {
		if c.Gateway.JWTSecret == "" {
			return fmt.Errorf("gateway.jwt_secret must not be empty")
		}
		if c.Gateway.TokenTTL <= 0 {
			return fmt.Errorf("gateway.token_ttl must be > 0")
		}
		if c.Gateway.Redis.Enabled {
			if c.Gateway.Redis.Address == "" {
				return fmt.Errorf("gateway.redis.address must not be empty when redis is enabled")
			}
			if c.Gateway.Redis.PoolSize <= 0 {
				return fmt.Errorf("gateway.redis.pool_size must be > 0 when redis is enabled")
			}
		}
		if c.Gateway.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("gateway.rate_limiting.messages_per_second must be > 0")
		}
		if c.Gateway.RateLimiting.Burst <= 0 {
			return fmt.Errorf("gateway.rate_limiting.burst must be > 0")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.URL = "wss://localhost:8081/signal"
	cfg.Signal.HeartbeatTimeout = 35 * time.Second
	cfg.Signal.HandshakeTimeout = 15 * time.Second
	cfg.Signal.SuccessThreshold = 30 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.Backoff.InitialDelay = 100 * time.Millisecond
	cfg.Signal.Backoff.MaxDelay = 20 * time.Second
	cfg.Signal.Backoff.Multiplier = 2.0
	cfg.Signal.Backoff.JitterFactor = 0.4

	cfg.Media.Backoff.InitialDelay = 300 * time.Millisecond
	cfg.Media.Backoff.MaxDelay = 10 * time.Second
	cfg.Media.Backoff.Multiplier = 2.0
	cfg.Media.Backoff.JitterFactor = 0.4

	cfg.Monitor.SampleInterval = 1 * time.Second
	cfg.Monitor.LevelSampleInterval = 50 * time.Millisecond
	cfg.Monitor.WarningDwell = 5 * time.Second
	cfg.Monitor.WarmupDelay = 5 * time.Second

	cfg.DTMF.RatePerSecond = 10
	cfg.DTMF.Burst = 20

	cfg.Registration.Interval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Monitoring.PrometheusEnabled = false
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "voicelink"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Gateway.Address = ""
	cfg.Gateway.JWTSecret = "change-me-in-production"
	cfg.Gateway.TokenTTL = 15 * time.Minute
	cfg.Gateway.Redis.Enabled = false
	cfg.Gateway.Redis.Address = "localhost:6379"
	cfg.Gateway.Redis.PoolSize = 10
	cfg.Gateway.RateLimiting.MessagesPerSecond = 50
	cfg.Gateway.RateLimiting.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("VOICELINK_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if level := os.Getenv("VOICELINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("VOICELINK_JWT_SECRET"); secret != "" {
		c.Gateway.JWTSecret = secret
	}
	if addr := os.Getenv("VOICELINK_GATEWAY_ADDRESS"); addr != "" {
		c.Gateway.Address = addr
	}
}
