package openai

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

// Config for the OpenAI-compatible chat/completions client.
type Config struct {
	APIKey     string        // if empty, falls back to env OPENAI_API_KEY
	BaseURL    string        // default https://api.openai.com/v1
	Model      string        // e.g., "gpt-4o-mini"
	Timeout    time.Duration // http client timeout
	MaxRetries int           // retries after the first attempt for transient failures
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	sleeper        func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

func NewClient(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:            cfg,
		http:           &http.Client{Timeout: cfg.Timeout},
		logger:         logger,
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }
