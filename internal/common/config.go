package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Server   ServerConfig   `toml:"server"`
	OCR      OCRConfig      `toml:"ocr"`
	LLM      LLMConfig      `toml:"llm"`
	Cascade  CascadeConfig  `toml:"cascade"`
	Queue    QueueConfig    `toml:"queue"`
	Corpus   CorpusConfig   `toml:"corpus"`
	Log      LogConfig      `toml:"log"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string   `toml:"driver"` // "postgres" | "sqlite"
	DSN              string   `toml:"dsn"`
	MaxConns         int32    `toml:"max_conns"`
	MinConns         int32    `toml:"min_conns"`
	MaxConnLifetime  Duration `toml:"max_conn_lifetime"`
	MaxConnIdleTime  Duration `toml:"max_conn_idle_time"`
	DialTimeout      Duration `toml:"dial_timeout"`
	StatementTimeout Duration `toml:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr       string   `toml:"http_addr"`
	GRPCAddr       string   `toml:"grpc_addr"`
	HealthInterval Duration `toml:"health_interval"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Pdftotext     string `toml:"pdftotext"`
	Pdftoppm      string `toml:"pdftoppm"`
	Pdfinfo       string `toml:"pdfinfo"`
	Tesseract     string `toml:"tesseract"`
	TesseractLang string `toml:"tesseract_lang"`
	TessdataDir   string `toml:"tessdata_dir"`
	DPI           int    `toml:"dpi"`
	MinChars      int    `toml:"min_chars"`
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	BaseURL          string   `toml:"base_url"`
	Model            string   `toml:"model"`
	APIKey           string   `toml:"api_key"`
	Temperature      float32  `toml:"temperature"`
	Timeout          Duration `toml:"timeout"`
	MaxRetries       int      `toml:"max_retries"`
	Concurrency      int64    `toml:"concurrency"`
	PromptPricePer1K float64  `toml:"prompt_price_per_1k"`
	OutputPricePer1K float64  `toml:"output_price_per_1k"`
}

// CascadeConfig holds the thresholds and caps of the extraction cascade.
type CascadeConfig struct {
	BoostBatchCap        int      `toml:"boost_batch_cap"`
	FastPathThreshold    float64  `toml:"fast_path_threshold"`
	FastPathMaxPages     int      `toml:"fast_path_max_pages"`
	AgentMaxIterations   int      `toml:"agent_max_iterations"`
	AgentMaxDuration     Duration `toml:"agent_max_duration"`
	AgentReviewThreshold float64  `toml:"agent_review_threshold"`
	MinerBudget          Duration `toml:"miner_budget"`
	MinerPageMatchCap    int      `toml:"miner_page_match_cap"`
	MinerCandidateCap    int      `toml:"miner_candidate_cap"`
	MinerClassifyCap     int      `toml:"miner_classify_cap"`
	MinerContextChars    int      `toml:"miner_context_chars"`
}

// QueueConfig sizes the run worker pool.
type QueueConfig struct {
	Workers    int      `toml:"workers"`
	Size       int      `toml:"size"`
	RunTimeout Duration `toml:"run_timeout"`
}

// CorpusConfig locates staged bid documents. With Watch set, serve starts a
// run whenever PDFs land in a bid directory under BaseDir.
type CorpusConfig struct {
	BaseDir       string   `toml:"base_dir"`
	Watch         bool     `toml:"watch"`
	WatchTrade    string   `toml:"watch_trade"`
	WatchDebounce Duration `toml:"watch_debounce"`
}

// LogConfig selects log verbosity and format.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "auto" | "text" | "json"
}

// Duration decodes TOML strings such as "25m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: Duration{30 * time.Minute},
			MaxConnIdleTime: Duration{5 * time.Minute},
			DialTimeout:     Duration{3 * time.Second},
		},
		Server: ServerConfig{
			HTTPAddr:       ":8080",
			GRPCAddr:       ":9090",
			HealthInterval: Duration{30 * time.Second},
		},
		OCR: OCRConfig{
			TesseractLang: "eng",
			DPI:           300,
			MinChars:      40,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Timeout:     Duration{90 * time.Second},
			MaxRetries:  2,
			Concurrency: 2,
		},
		Cascade: CascadeConfig{
			BoostBatchCap:        50,
			FastPathThreshold:    0.85,
			FastPathMaxPages:     60,
			AgentMaxIterations:   12,
			AgentMaxDuration:     Duration{10 * time.Minute},
			AgentReviewThreshold: 0.70,
			MinerBudget:          Duration{25 * time.Minute},
			MinerPageMatchCap:    40,
			MinerCandidateCap:    2000,
			MinerClassifyCap:     1200,
			MinerContextChars:    120,
		},
		Queue: QueueConfig{
			Workers:    2,
			Size:       64,
			RunTimeout: Duration{45 * time.Minute},
		},
		Corpus: CorpusConfig{
			BaseDir:       "./bids",
			WatchTrade:    "101400",
			WatchDebounce: Duration{10 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// LoadConfig layers an optional TOML file and then environment variables over Default.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("open config %q", path), fmt.Errorf("%w: %v", ErrConfig, err))
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("parse config %q", path), fmt.Errorf("%w: %v", ErrConfig, err))
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)
	c.Database.MaxConnLifetime.Duration = getEnvAsDuration("DB_MAX_CONN_LIFETIME", c.Database.MaxConnLifetime.Duration)
	c.Database.MaxConnIdleTime.Duration = getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", c.Database.MaxConnIdleTime.Duration)
	c.Database.DialTimeout.Duration = getEnvAsDuration("DB_DIAL_TIMEOUT", c.Database.DialTimeout.Duration)
	c.Database.StatementTimeout.Duration = getEnvAsDuration("DB_STATEMENT_TIMEOUT", c.Database.StatementTimeout.Duration)

	c.Server.HTTPAddr = getEnv("HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = getEnv("GRPC_ADDR", c.Server.GRPCAddr)

	c.OCR.TessdataDir = getEnv("TESSDATA_PREFIX", c.OCR.TessdataDir)
	c.OCR.MinChars = getEnvAsInt("OCR_MIN_CHARS", c.OCR.MinChars)

	c.LLM.BaseURL = getEnv("OPENAI_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnv("OPENAI_MODEL", c.LLM.Model)
	c.LLM.APIKey = getEnv("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.Temperature = getEnvAsFloat32("OPENAI_TEMPERATURE", c.LLM.Temperature)
	c.LLM.Timeout.Duration = getEnvAsDuration("OPENAI_TIMEOUT", c.LLM.Timeout.Duration)
	c.LLM.MaxRetries = getEnvAsInt("LLM_MAX_RETRIES", c.LLM.MaxRetries)
	c.LLM.Concurrency = int64(getEnvAsInt("LLM_CONCURRENCY", int(c.LLM.Concurrency)))

	c.Cascade.MinerBudget.Duration = getEnvAsDuration("MINER_BUDGET", c.Cascade.MinerBudget.Duration)
	c.Cascade.AgentMaxDuration.Duration = getEnvAsDuration("AGENT_MAX_DURATION", c.Cascade.AgentMaxDuration.Duration)

	c.Queue.Workers = getEnvAsInt("QUEUE_WORKERS", c.Queue.Workers)
	c.Queue.RunTimeout.Duration = getEnvAsDuration("RUN_TIMEOUT", c.Queue.RunTimeout.Duration)

	c.Corpus.BaseDir = getEnv("CORPUS_DIR", c.Corpus.BaseDir)
	c.Corpus.Watch = getEnvAsBool("CORPUS_WATCH", c.Corpus.Watch)
	c.Corpus.WatchTrade = getEnv("CORPUS_WATCH_TRADE", c.Corpus.WatchTrade)
	c.Corpus.WatchDebounce.Duration = getEnvAsDuration("CORPUS_WATCH_DEBOUNCE", c.Corpus.WatchDebounce.Duration)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	v := NewValidator().
		Field("DB_DRIVER", c.Database.Driver, OneOf("postgres", "sqlite")).
		Field("LOG_FORMAT", c.Log.Format, OneOf("", "auto", "text", "json"))
	if v.HasErrors() {
		return NewAppError("CONFIG_ERROR", v.ErrorMessage(), ErrConfig)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrConfig)
	}
	if c.Cascade.FastPathThreshold <= 0 || c.Cascade.FastPathThreshold > 1 {
		return NewAppError("CONFIG_ERROR", "cascade.fast_path_threshold must be in (0,1]", ErrConfig)
	}
	if c.LLM.Concurrency <= 0 {
		return NewAppError("CONFIG_ERROR", "llm.concurrency must be positive", ErrConfig)
	}
	return nil
}

// ValidateLLM checks the settings needed by commands that call the model.
func (c *Config) ValidateLLM() error {
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrConfig)
	}
	if c.LLM.Model == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_MODEL is required", ErrConfig)
	}
	return nil
}
