package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/hyperifyio/pagecheck/internal/analysis"
)

// FileConfig represents the single-file configuration schema.
// Nested sections map naturally to flags/env.
type FileConfig struct {
	Output    string `yaml:"output" json:"output"`
	OutputPDF string `yaml:"outputPDF" json:"outputPDF"`

	API struct {
		BaseURL   string `yaml:"base" json:"base"`
		UserAgent string `yaml:"ua" json:"ua"`
		SSLVerify *bool  `yaml:"sslVerify" json:"sslVerify"`
	} `yaml:"api" json:"api"`

	Store struct {
		Backend   string `yaml:"backend" json:"backend"`
		Dir       string `yaml:"dir" json:"dir"`
		RedisAddr string `yaml:"redisAddr" json:"redisAddr"`
	} `yaml:"store" json:"store"`

	Timeouts struct {
		Cycle time.Duration `yaml:"cycle" json:"cycle"`
		Fetch time.Duration `yaml:"fetch" json:"fetch"`
	} `yaml:"timeouts" json:"timeouts"`

	Service struct {
		Listen   string `yaml:"listen" json:"listen"`
		VotesDB  string `yaml:"votesDB" json:"votesDB"`
		CacheDir string `yaml:"cacheDir" json:"cacheDir"`
	} `yaml:"service" json:"service"`

	LLM struct {
		BaseURL string `yaml:"base" json:"base"`
		Model   string `yaml:"model" json:"model"`
		APIKey  string `yaml:"key" json:"key"`
	} `yaml:"llm" json:"llm"`

	SourceContext string `yaml:"sourceContext" json:"sourceContext"`
	Verbose       bool   `yaml:"verbose" json:"verbose"`
}

// LoadConfigFile reads YAML or JSON into FileConfig.
func LoadConfigFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &fc); err != nil {
			return fc, fmt.Errorf("parse json: %w", err)
		}
	default:
		// Try YAML then JSON
		if err := yaml.Unmarshal(b, &fc); err != nil {
			if jerr := json.Unmarshal(b, &fc); jerr != nil {
				return fc, fmt.Errorf("parse config: %v (yaml) / %v (json)", err, jerr)
			}
		}
	}
	return fc, nil
}

// ApplyFileConfig overlays values from FileConfig into cfg for any fields that
// are currently unset or still at their flag default. Flags should already
// have been parsed; explicit flags are preserved.
func ApplyFileConfig(cfg *Config, fc FileConfig) {
	if cfg == nil {
		return
	}

	if (cfg.OutputPath == "" || cfg.OutputPath == "-") && fc.Output != "" {
		cfg.OutputPath = fc.Output
	}
	if cfg.PDFPath == "" && fc.OutputPDF != "" {
		cfg.PDFPath = fc.OutputPDF
	}

	if (cfg.APIBaseURL == "" || cfg.APIBaseURL == DefaultAPIBaseURL) && fc.API.BaseURL != "" {
		cfg.APIBaseURL = fc.API.BaseURL
	}
	if (cfg.UserAgent == "" || cfg.UserAgent == DefaultUserAgent()) && fc.API.UserAgent != "" {
		cfg.UserAgent = fc.API.UserAgent
	}
	if fc.API.SSLVerify != nil {
		cfg.SSLVerify = *fc.API.SSLVerify
	}

	if (cfg.Store == "" || cfg.Store == DefaultStore) && fc.Store.Backend != "" {
		cfg.Store = fc.Store.Backend
	}
	if (cfg.StoreDir == "" || cfg.StoreDir == DefaultStoreDir) && fc.Store.Dir != "" {
		cfg.StoreDir = fc.Store.Dir
	}
	if cfg.RedisAddr == "" && fc.Store.RedisAddr != "" {
		cfg.RedisAddr = fc.Store.RedisAddr
	}

	if (cfg.CycleTimeout == 0 || cfg.CycleTimeout == DefaultCycleTimeout) && fc.Timeouts.Cycle > 0 {
		cfg.CycleTimeout = fc.Timeouts.Cycle
	}
	if (cfg.FetchTimeout == 0 || cfg.FetchTimeout == DefaultFetchTimeout) && fc.Timeouts.Fetch > 0 {
		cfg.FetchTimeout = fc.Timeouts.Fetch
	}

	if (cfg.ListenAddr == "" || cfg.ListenAddr == DefaultListenAddr) && fc.Service.Listen != "" {
		cfg.ListenAddr = fc.Service.Listen
	}
	if cfg.VotesDB == "" && fc.Service.VotesDB != "" {
		cfg.VotesDB = fc.Service.VotesDB
	}
	if cfg.CacheDir == "" && fc.Service.CacheDir != "" {
		cfg.CacheDir = fc.Service.CacheDir
	}

	if cfg.LLMBaseURL == "" && fc.LLM.BaseURL != "" {
		cfg.LLMBaseURL = fc.LLM.BaseURL
	}
	if cfg.LLMModel == "" && fc.LLM.Model != "" {
		cfg.LLMModel = fc.LLM.Model
	}
	if cfg.LLMAPIKey == "" && fc.LLM.APIKey != "" {
		cfg.LLMAPIKey = fc.LLM.APIKey
	}

	if cfg.SourceContext == "" && fc.SourceContext != "" {
		cfg.SourceContext = fc.SourceContext
	}
	if !cfg.Verbose && fc.Verbose {
		cfg.Verbose = true
	}
}

// ValidateConfig performs minimal schema validation for the client side.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return errors.New("config: api base URL is required (or set API_BASE_URL)")
	}
	switch cfg.Store {
	case "", StoreMemory, StoreFile, StoreRedis:
	default:
		return fmt.Errorf("config: unknown store %q (want memory, file or redis)", cfg.Store)
	}
	if cfg.Store == StoreRedis && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: store=redis requires a redis address (or set REDIS_ADDR)")
	}
	if cfg.CycleTimeout < 0 || cfg.FetchTimeout < 0 {
		return errors.New("config: negative timeouts are not allowed")
	}
	if cfg.PageURL != "" && (cfg.Text != "" || cfg.ImageURL != "" || cfg.ImagePath != "") {
		return errors.New("config: a page URL cannot be combined with dashboard inputs")
	}
	if _, err := analysis.ParseSourceContext(cfg.SourceContext); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ValidateServiceConfig checks the settings the reference service needs.
func ValidateServiceConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return errors.New("config: listen address is required")
	}
	if strings.TrimSpace(cfg.LLMModel) == "" {
		return errors.New("config: llm.model is required (or set LLM_MODEL)")
	}
	return nil
}
