package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Search  Search  `yaml:"search"`
	LLM     LLM     `yaml:"llm"`
	Engine  Engine  `yaml:"engine"`
	Acquire Acquire `yaml:"acquire"`
	Audit   Audit   `yaml:"audit"`
	Fusion  Fusion  `yaml:"fusion"`
	Output  Output  `yaml:"output"`
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
}

// Search configures the metasearch endpoint and optional feed sources.
type Search struct {
	Endpoint string `yaml:"endpoint"`
	Feeds    []Feed `yaml:"feeds"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type LLM struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	OllamaURL      string `yaml:"ollama_url"`
	EmbeddingModel string `yaml:"embedding_model"`
	OpenAIModel    string `yaml:"openai_model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// Engine bounds the orchestration loop. MaxRefinements is the hard cap on
// query refinements per research vector; Workers bounds concurrent vector
// acquisition.
type Engine struct {
	MaxRefinements int `yaml:"max_refinements"`
	Workers        int `yaml:"workers"`
}

// Acquire tunes the per-vector acquisition pass.
type Acquire struct {
	MaxFetch            int     `yaml:"max_fetch"`
	RelevanceFloor      float64 `yaml:"relevance_floor"`
	FetchTimeoutSeconds int     `yaml:"fetch_timeout_seconds"`
}

// Audit tunes evidence validation. FreshnessDays is the staleness window
// applied to time-sensitive topics.
type Audit struct {
	FreshnessDays int `yaml:"freshness_days"`
}

// Fusion tunes reciprocal-rank fusion. K is the RRF constant, TopK the
// per-method candidate depth.
type Fusion struct {
	K    int `yaml:"k"`
	TopK int `yaml:"top_k"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for deepresearch.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "deepresearch")
}

// DataDir returns the XDG data directory for deepresearch.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "deepresearch")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/deepresearch/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'deepresearch init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	cfg, _ := parse(nil)
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Search: Search{
			Endpoint: "http://localhost:8080/search",
		},
		LLM: LLM{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			EmbeddingModel: "nomic-embed-text",
			OpenAIModel:    "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      1024,
		},
		Engine: Engine{
			MaxRefinements: 3,
			Workers:        3,
		},
		Acquire: Acquire{
			MaxFetch:            3,
			RelevanceFloor:      0.15,
			FetchTimeoutSeconds: 15,
		},
		Audit: Audit{
			FreshnessDays: 365,
		},
		Fusion: Fusion{
			K:    60,
			TopK: 10,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
