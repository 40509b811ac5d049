package common

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "takeoff.toml")
	body := `
[database]
driver = "sqlite"
dsn = "file:takeoff.db"

[cascade]
miner_budget = "5m"
miner_candidate_cap = 500

[llm]
model = "from-file"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OPENAI_MODEL", "from-env")
	t.Setenv("MINER_BUDGET", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_URL", "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "file:takeoff.db" {
		t.Fatalf("database section not applied: %+v", cfg.Database)
	}
	if cfg.Cascade.MinerBudget.Duration != 5*time.Minute {
		t.Fatalf("miner budget = %s, want 5m", cfg.Cascade.MinerBudget.Duration)
	}
	if cfg.Cascade.MinerCandidateCap != 500 {
		t.Fatalf("candidate cap = %d, want 500", cfg.Cascade.MinerCandidateCap)
	}
	if cfg.Cascade.MinerClassifyCap != 1200 {
		t.Fatalf("classify cap default lost: %d", cfg.Cascade.MinerClassifyCap)
	}
	if cfg.LLM.Model != "from-env" {
		t.Fatalf("env override not applied, model = %q", cfg.LLM.Model)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingDSN(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for missing DSN")
	}
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestValidateRejectsUnknownDriverAndFormat(t *testing.T) {
	cfg := Default()
	cfg.Database.DSN = "file.db"
	cfg.Database.Driver = "mysql"
	cfg.Log.Format = "xml"
	err := cfg.Validate()
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	for _, field := range []string{"DB_DRIVER", "LOG_FORMAT"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not name %s", err, field)
		}
	}
}

func TestValidateLLMRequiresKey(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = ""
	if err := cfg.ValidateLLM(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	cfg.LLM.APIKey = "sk-test"
	if err := cfg.ValidateLLM(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", WrapError(ErrTransient, "http 503"), true},
		{"config", WrapError(ErrConfig, "missing key"), false},
		{"malformed", WrapError(ErrMalformedResponse, "not json"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
