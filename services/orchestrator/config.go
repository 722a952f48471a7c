// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/retrieval"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration
// =============================================================================

// Backend and store names accepted by Config.
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"

	StoreMemory = "memory"
	StoreBadger = "badger"
)

const (
	defaultPort          = 12210
	defaultOllamaBaseURL = "http://ollama:11434"
	defaultSessionDBPath = "./data/sessions"
	defaultSessionTTL    = 24 * time.Hour
)

// Config holds chatbot service configuration.
//
// # Description
//
// Values come from an optional YAML file, then environment variables, then
// command line flags. Zero values are replaced by applyConfigDefaults when
// the service is built.
//
// # Examples
//
//	cfg := Config{LLMBackend: "ollama", OllamaModel: "llama3"}
//
//	cfg, err := LoadConfigFile("chatbot.yaml")
//	cfg = ApplyEnv(cfg)
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// LLMBackend selects the model provider: "ollama" or "openai".
	LLMBackend    string `yaml:"llm_backend" validate:"omitempty,oneof=ollama openai"`
	OllamaBaseURL string `yaml:"ollama_base_url" validate:"omitempty,url"`
	OllamaModel   string `yaml:"ollama_model"`
	OpenAIKey     string `yaml:"openai_api_key"`
	OpenAIModel   string `yaml:"openai_model"`

	// WeaviateURL enables vector retrieval. Empty runs without documents.
	WeaviateURL  string `yaml:"weaviate_url" validate:"omitempty,url"`
	EmbeddingURL string `yaml:"embedding_url" validate:"omitempty,url"`
	LocalClass   string `yaml:"local_class"`
	WebClass     string `yaml:"web_class"`
	LocalK       int    `yaml:"local_k" validate:"gte=0"`
	WebK         int    `yaml:"web_k" validate:"gte=0"`

	// SummarizationThreshold is the history length above which a turn
	// folds older messages into the summary. Default: 6
	SummarizationThreshold int `yaml:"summarization_threshold" validate:"gte=0"`

	// SessionStore is "memory" or "badger". Default: memory
	SessionStore  string `yaml:"session_store" validate:"omitempty,oneof=memory badger"`
	SessionDBPath string `yaml:"session_db_path"`
	// SessionTTL bounds how long an idle session is kept. Default: 24h
	SessionTTL       time.Duration `yaml:"session_ttl" validate:"gte=0"`
	DefaultSessionID string        `yaml:"default_session_id" validate:"omitempty,max=128,printascii"`

	StreamBuffer   int     `yaml:"stream_buffer" validate:"gte=0"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int     `yaml:"rate_limit_burst" validate:"gte=0"`

	// OTelEndpoint is the OTLP gRPC collector. Empty disables export.
	OTelEndpoint string `yaml:"otel_endpoint"`
	// EnableMetrics serves /metrics. Nil means enabled.
	EnableMetrics *bool  `yaml:"enable_metrics"`
	GinMode       string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	LogDir  string `yaml:"log_dir"`
	LogJSON bool   `yaml:"log_json"`
}

// MetricsEnabled reports whether /metrics is served.
func (c Config) MetricsEnabled() bool {
	return c.EnableMetrics == nil || *c.EnableMetrics
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := datatypes.Validator().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LoadConfigFile reads a YAML configuration file. A missing file is an error
// matching fs.ErrNotExist.
func LoadConfigFile(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Unset or unparsable
// variables leave the field alone.
func ApplyEnv(cfg Config) Config {
	setInt(&cfg.Port, "CHATBOT_PORT")
	setString(&cfg.LLMBackend, "LLM_BACKEND_TYPE")
	setString(&cfg.OllamaBaseURL, "OLLAMA_BASE_URL")
	setString(&cfg.OllamaModel, "OLLAMA_MODEL")
	setString(&cfg.OpenAIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAIModel, "OPENAI_MODEL")
	setString(&cfg.WeaviateURL, "WEAVIATE_SERVICE_URL")
	setString(&cfg.EmbeddingURL, "EMBEDDING_SERVICE_URL")
	setString(&cfg.SessionStore, "SESSION_STORE")
	setString(&cfg.SessionDBPath, "SESSION_DB_PATH")
	setString(&cfg.OTelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setInt(&cfg.SummarizationThreshold, "SUMMARIZATION_THRESHOLD")
	setString(&cfg.GinMode, "GIN_MODE")
	return cfg
}

func setString(dst *string, key string) {
	if v := strings.Trim(os.Getenv(key), "\"' "); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = BackendOllama
	}
	if cfg.OllamaBaseURL == "" {
		cfg.OllamaBaseURL = defaultOllamaBaseURL
	}
	if cfg.LocalClass == "" {
		cfg.LocalClass = retrieval.DefaultLocalClass
	}
	if cfg.WebClass == "" {
		cfg.WebClass = retrieval.DefaultWebClass
	}
	if cfg.LocalK == 0 {
		cfg.LocalK = retrieval.DefaultLocalK
	}
	if cfg.WebK == 0 {
		cfg.WebK = retrieval.DefaultWebK
	}
	if cfg.SummarizationThreshold == 0 {
		cfg.SummarizationThreshold = conversation.DefaultSummarizationThreshold
	}
	if cfg.SessionStore == "" {
		cfg.SessionStore = StoreMemory
	}
	if cfg.SessionDBPath == "" {
		cfg.SessionDBPath = defaultSessionDBPath
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.StreamBuffer == 0 {
		cfg.StreamBuffer = 1
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = int(cfg.RateLimitRPS) + 1
	}
	return cfg
}
