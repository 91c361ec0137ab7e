package core

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override credentials from a config file.
const (
	EnvAPIKey    = "SPOTLINK_API_KEY"
	EnvAPISecret = "SPOTLINK_API_SECRET"
)

// Credentials holds API authentication credentials for an exchange.
type Credentials struct {
	// APIKey is the public API key identifier.
	APIKey string `json:"api_key" yaml:"api_key" validate:"required"`
	// SecretKey is the private API key used for signing requests.
	SecretKey string `json:"secret_key" yaml:"secret_key" validate:"required"`
}

// RESTConfig holds settings for the signed REST caller.
type RESTConfig struct {
	// BaseURL overrides the production or sandbox endpoint.
	BaseURL      string        `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" validate:"min=1ms"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries" validate:"min=0"`
	RetryWaitMin time.Duration `json:"retry_wait_min" yaml:"retry_wait_min" validate:"min=0"`
	RetryWaitMax time.Duration `json:"retry_wait_max" yaml:"retry_wait_max" validate:"min=0"`
	// RecvWindow is how long a signed request stays valid on the server.
	RecvWindow time.Duration `json:"recv_window" yaml:"recv_window" validate:"min=1ms,max=60s"`
	// ExchangeInfoTTL is how long exchange metadata is cached.
	ExchangeInfoTTL time.Duration `json:"exchange_info_ttl" yaml:"exchange_info_ttl" validate:"min=0"`
}

// ThrottleConfig holds admission-control settings.
type ThrottleConfig struct {
	// Lanes is the number of concurrently paced REST calls.
	Lanes int `json:"lanes" yaml:"lanes" validate:"min=1"`
	// PriorityLanes is how many of Lanes only serve high-priority calls.
	PriorityLanes int `json:"priority_lanes" yaml:"priority_lanes" validate:"min=0"`
	// StreamLanes is the number of lanes pacing outbound stream commands.
	StreamLanes int `json:"stream_lanes" yaml:"stream_lanes" validate:"min=1"`
	// StreamMessagesPerSecond is the remote cap on inbound stream commands.
	StreamMessagesPerSecond int           `json:"stream_messages_per_second" yaml:"stream_messages_per_second" validate:"min=1"`
	RefreshInterval         time.Duration `json:"refresh_interval" yaml:"refresh_interval" validate:"min=1s"`
	SlowWaitThreshold       time.Duration `json:"slow_wait_threshold" yaml:"slow_wait_threshold" validate:"min=0"`
}

// StreamConfig holds websocket settings shared by market and user-data streams.
type StreamConfig struct {
	MarketURL      string        `json:"market_url" yaml:"market_url" validate:"omitempty,url"`
	UserDataURL    string        `json:"user_data_url" yaml:"user_data_url" validate:"omitempty,url"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout" validate:"min=1ms"`
	DialTimeout    time.Duration `json:"dial_timeout" yaml:"dial_timeout" validate:"min=1ms"`
	PongInterval   time.Duration `json:"pong_interval" yaml:"pong_interval" validate:"min=1s"`
	ReconnectStep  time.Duration `json:"reconnect_step" yaml:"reconnect_step" validate:"min=1ms"`
	ReconnectMax   time.Duration `json:"reconnect_max" yaml:"reconnect_max" validate:"gtefield=ReconnectStep"`
	// RenewInterval is the listen-key keepalive cadence.
	RenewInterval       time.Duration `json:"renew_interval" yaml:"renew_interval" validate:"min=1s,max=60m"`
	UnsubscribeAttempts int           `json:"unsubscribe_attempts" yaml:"unsubscribe_attempts" validate:"min=1"`
}

// Config contains all configuration options for a client.
type Config struct {
	Exchange    string       `json:"exchange" yaml:"exchange" validate:"required"`
	Sandbox     bool         `json:"sandbox" yaml:"sandbox"`
	Credentials *Credentials `json:"credentials,omitempty" yaml:"credentials,omitempty" validate:"omitempty"`

	REST     RESTConfig     `json:"rest" yaml:"rest"`
	Throttle ThrottleConfig `json:"throttle" yaml:"throttle"`
	Streams  StreamConfig   `json:"streams" yaml:"streams"`

	LogLevel string `json:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// DefaultConfig returns a Config initialized with the defaults for the given exchange:
// 20s REST timeout, 5 lanes with 1 priority lane, 5 stream lanes at 5 messages per second,
// 10 minute limit refresh, 10s stream request timeout, 3 minute pong, reconnect backoff
// growing by 1s up to 15s, and 30 minute listen-key renewal.
func DefaultConfig(exchange string) *Config {
	return &Config{
		Exchange: exchange,
		REST: RESTConfig{
			Timeout:         20 * time.Second,
			MaxRetries:      0,
			RetryWaitMin:    100 * time.Millisecond,
			RetryWaitMax:    time.Second,
			RecvWindow:      5 * time.Second,
			ExchangeInfoTTL: time.Minute,
		},
		Throttle: ThrottleConfig{
			Lanes:                   5,
			PriorityLanes:           1,
			StreamLanes:             5,
			StreamMessagesPerSecond: 5,
			RefreshInterval:         10 * time.Minute,
			SlowWaitThreshold:       5 * time.Second,
		},
		Streams: StreamConfig{
			RequestTimeout:      10 * time.Second,
			DialTimeout:         10 * time.Second,
			PongInterval:        3 * time.Minute,
			ReconnectStep:       time.Second,
			ReconnectMax:        15 * time.Second,
			RenewInterval:       30 * time.Minute,
			UnsubscribeAttempts: 3,
		},
		LogLevel: "info",
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewExchangeError(c.Exchange, ErrorTypeConfiguration, 0, err.Error()).
			WithCode(ErrCodeInvalidConfig).
			WithCause(err)
	}
	return nil
}

// HasCredentials reports whether signed endpoints can be used.
func (c *Config) HasCredentials() bool {
	return c.Credentials != nil && c.Credentials.APIKey != "" && c.Credentials.SecretKey != ""
}

// LoadConfig reads a YAML file over DefaultConfig and applies credential
// overrides from the environment. An empty path yields the defaults.
func LoadConfig(path, exchange string) (*Config, error) {
	cfg := DefaultConfig(exchange)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	key, secret := os.Getenv(EnvAPIKey), os.Getenv(EnvAPISecret)
	if key == "" && secret == "" {
		return
	}
	if c.Credentials == nil {
		c.Credentials = &Credentials{}
	}
	if key != "" {
		c.Credentials.APIKey = key
	}
	if secret != "" {
		c.Credentials.SecretKey = secret
	}
}

// WithCredentials sets the API credentials and returns the config for chaining.
func (c *Config) WithCredentials(creds *Credentials) *Config {
	c.Credentials = creds
	return c
}

// WithSandbox enables or disables sandbox mode and returns the config for chaining.
func (c *Config) WithSandbox(sandbox bool) *Config {
	c.Sandbox = sandbox
	return c
}

// WithTimeout sets the REST timeout and returns the config for chaining.
func (c *Config) WithTimeout(timeout time.Duration) *Config {
	c.REST.Timeout = timeout
	return c
}

// WithLanes sets the REST lane counts and returns the config for chaining.
func (c *Config) WithLanes(lanes, priority int) *Config {
	c.Throttle.Lanes = lanes
	c.Throttle.PriorityLanes = priority
	return c
}

// WithStreamURLs overrides the websocket endpoints and returns the config for chaining.
func (c *Config) WithStreamURLs(market, userData string) *Config {
	c.Streams.MarketURL = market
	c.Streams.UserDataURL = userData
	return c
}

// WithLogLevel sets the log level and returns the config for chaining.
func (c *Config) WithLogLevel(level string) *Config {
	c.LogLevel = level
	return c
}

// RequireCredentials fails with a configuration error if no credentials are set.
func (c *Config) RequireCredentials() error {
	if c.HasCredentials() {
		return nil
	}
	return NewExchangeError(c.Exchange, ErrorTypeConfiguration, 0, "api key and secret are required").
		WithCode(ErrCodeNoCredentials).
		WithCause(ErrNoCredentials)
}
