package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFile_YAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	y := filepath.Join(dir, "pagecheck.yaml")
	yamlDoc := `
output: verdict.md
api:
  base: http://svc.example
  sslVerify: false
store:
  backend: file
  dir: /var/lib/pagecheck
timeouts:
  cycle: 45s
llm:
  model: local-model
`
	if err := os.WriteFile(y, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fc, err := LoadConfigFile(y)
	if err != nil {
		t.Fatalf("LoadConfigFile yaml: %v", err)
	}
	if fc.API.BaseURL != "http://svc.example" || fc.Store.Backend != "file" || fc.Timeouts.Cycle != 45*time.Second {
		t.Fatalf("unexpected yaml config %+v", fc)
	}
	if fc.API.SSLVerify == nil || *fc.API.SSLVerify {
		t.Fatalf("sslVerify should decode as explicit false")
	}

	j := filepath.Join(dir, "pagecheck.json")
	if err := os.WriteFile(j, []byte(`{"store":{"backend":"redis","redisAddr":"redis:6379"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fc, err = LoadConfigFile(j)
	if err != nil {
		t.Fatalf("LoadConfigFile json: %v", err)
	}
	if fc.Store.RedisAddr != "redis:6379" {
		t.Fatalf("unexpected json config %+v", fc)
	}

	bad := filepath.Join(dir, "broken.conf")
	if err := os.WriteFile(bad, []byte("store: [unterminated"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfigFile(bad); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestApplyFileConfig_PreservesExplicitFlags(t *testing.T) {
	var fc FileConfig
	fc.Output = "file.md"
	fc.API.BaseURL = "http://from-file"
	fc.Store.Backend = StoreFile
	fc.Store.Dir = "/from-file"
	fc.Timeouts.Cycle = 90 * time.Second
	fc.LLM.Model = "file-model"

	cfg := Config{
		OutputPath:   "-",
		APIBaseURL:   "http://explicit",
		Store:        DefaultStore,
		StoreDir:     DefaultStoreDir,
		CycleTimeout: 20 * time.Second,
		SSLVerify:    true,
	}
	ApplyFileConfig(&cfg, fc)

	if cfg.OutputPath != "file.md" {
		t.Fatalf("OutputPath=%q, want file value over stdout default", cfg.OutputPath)
	}
	if cfg.APIBaseURL != "http://explicit" {
		t.Fatalf("explicit APIBaseURL overwritten: %q", cfg.APIBaseURL)
	}
	if cfg.Store != StoreFile || cfg.StoreDir != "/from-file" {
		t.Fatalf("flag defaults should yield to file: %+v", cfg)
	}
	if cfg.CycleTimeout != 20*time.Second {
		t.Fatalf("explicit CycleTimeout overwritten: %v", cfg.CycleTimeout)
	}
	if cfg.LLMModel != "file-model" || !cfg.SSLVerify {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
}

func TestValidateConfig(t *testing.T) {
	ok := Config{APIBaseURL: "http://svc", Store: StoreFile}
	if err := ValidateConfig(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cases := map[string]Config{
		"missing api":   {},
		"unknown store": {APIBaseURL: "http://svc", Store: "s3"},
		"redis no addr": {APIBaseURL: "http://svc", Store: StoreRedis},
		"negative":      {APIBaseURL: "http://svc", CycleTimeout: -time.Second},
		"page and text": {APIBaseURL: "http://svc", PageURL: "https://a", Text: "b"},
		"bad context":   {APIBaseURL: "http://svc", SourceContext: "fax"},
	}
	for name, cfg := range cases {
		if err := ValidateConfig(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := ValidateServiceConfig(Config{ListenAddr: ":8000"}); err == nil {
		t.Fatalf("service config without model should be rejected")
	}
}
