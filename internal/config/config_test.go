package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Model.EmbeddingDim != 512 {
		t.Errorf("model.embedding_dim = %d, want 512", cfg.Model.EmbeddingDim)
	}
	if cfg.Sampling.NumNegatives != 64 || cfg.Sampling.NumSets != 10 {
		t.Errorf("sampling = %+v, want 64 negatives x 10 sets", cfg.Sampling)
	}
	if cfg.Training.Temperature != 0.07 {
		t.Errorf("training.temperature = %v, want 0.07", cfg.Training.Temperature)
	}
	if cfg.Retrieval.MaxCandidates != 300 {
		t.Errorf("retrieval.max_candidates = %d, want 300", cfg.Retrieval.MaxCandidates)
	}
	if cfg.Encoder.Timeout.Seconds() != 30 {
		t.Errorf("encoder.timeout = %v, want 30s", cfg.Encoder.Timeout)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MODEL_VERSION", "v42")
	t.Setenv("REDIS_ADDR", "redis:6379")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.Version != "v42" {
		t.Errorf("model.version = %q, want v42", cfg.Model.Version)
	}
	if !cfg.Redis.Enabled() {
		t.Errorf("redis should be enabled when REDIS_ADDR is set")
	}
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	base, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "candidate cap above 300",
			mutate:  func(c *Config) { c.Retrieval.MaxCandidates = 301 },
			wantErr: "MaxCandidates",
		},
		{
			name:    "genre ratio out of range",
			mutate:  func(c *Config) { c.Sampling.GenreRatio = 1.5 },
			wantErr: "GenreRatio",
		},
		{
			name:    "encoder width differs from tower",
			mutate:  func(c *Config) { c.Encoder.Dimensions = 768 },
			wantErr: "encoder dimensions",
		},
		{
			name:    "unknown index backend",
			mutate:  func(c *Config) { c.Index.Backend = "faiss" },
			wantErr: "Backend",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	sqlite := DatabaseConfig{Driver: "sqlite", Path: "/tmp/x.db"}
	if got := sqlite.DSN(); !strings.HasPrefix(got, "/tmp/x.db?") || !strings.Contains(got, "_foreign_keys=on") {
		t.Errorf("sqlite DSN = %q", got)
	}

	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", DBName: "m", SSLMode: "disable"}
	if got := pg.DSN(); got != "host=db port=5432 user=u password=p dbname=m sslmode=disable" {
		t.Errorf("postgres DSN = %q", got)
	}

	override := DatabaseConfig{Driver: "postgres", DSNOverride: "postgres://x"}
	if got := override.DSN(); got != "postgres://x" {
		t.Errorf("override DSN = %q", got)
	}
}
