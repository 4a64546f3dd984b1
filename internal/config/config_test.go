package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
server:
  port: 9090
logging:
  level: debug
  format: console
auth:
  hmac_secret: test-secret
fusion:
  quarantine_threshold: 80
  heuristic_weight: 0.5
  embedding_weight: 0.5
  unicode_weight: 0.0
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Fusion.QuarantineThreshold != 80 {
		t.Errorf("threshold = %d", cfg.Fusion.QuarantineThreshold)
	}

	// Keys absent from the file keep their defaults.
	if cfg.Pipeline.MaxDocsPerRequest != 1000 || cfg.Pipeline.MaxDocBytes != 20000 {
		t.Errorf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Detector.Version != "h1" {
		t.Errorf("detector version = %q", cfg.Detector.Version)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, validYAML+`
mystery_section:
  enabled: true
`))
	if err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  string
		wantErr string
	}{
		{
			"weights must sum to one",
			strings.Replace(validYAML, "heuristic_weight: 0.5", "heuristic_weight: 0.9", 1),
			"fusion weights",
		},
		{
			"missing hmac secret",
			strings.Replace(validYAML, "hmac_secret: test-secret", `hmac_secret: ""`, 1),
			"hmac_secret",
		},
		{
			"bad port",
			strings.Replace(validYAML, "port: 9090", "port: 99999", 1),
			"port",
		},
		{
			"bad log level",
			strings.Replace(validYAML, "level: debug", "level: loud", 1),
			"log level",
		},
		{
			"threshold out of range",
			strings.Replace(validYAML, "quarantine_threshold: 80", "quarantine_threshold: 150", 1),
			"threshold",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate))
			if err == nil {
				t.Fatal("invalid configuration accepted")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestReloadRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(writeConfig(t, validYAML)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// A file edited to contain an unknown key must be rejected on
	// reload exactly as it would be at startup.
	if _, err := Load(writeConfig(t, validYAML+"\nmystery_section:\n  enabled: true\n")); err == nil {
		t.Fatal("unknown key accepted at startup")
	}
	if _, err := reload(); err == nil {
		t.Fatal("unknown key accepted on reload")
	}
}

func TestDefaultsAreInternallyConsistent(t *testing.T) {
	cfg := GetDefaults()

	sum := cfg.Fusion.HeuristicWeight + cfg.Fusion.EmbeddingWeight + cfg.Fusion.UnicodeWeight
	if sum < 0.999999 || sum > 1.000001 {
		t.Errorf("default fusion weights sum to %g", sum)
	}
	if cfg.Pipeline.MaxPendingBatches != cfg.Pipeline.WorkerPoolSize*2 {
		t.Errorf("pending batches = %d for pool %d",
			cfg.Pipeline.MaxPendingBatches, cfg.Pipeline.WorkerPoolSize)
	}
	if cfg.Fusion.QuarantineThreshold != 70 {
		t.Errorf("default threshold = %d", cfg.Fusion.QuarantineThreshold)
	}
}
