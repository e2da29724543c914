package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Limits struct {
		MaxItemsInRow  int `toml:"max_items_in_row"`
		StepMaxItems   int `toml:"step_max_items"`
		MaxLexerStates int `toml:"max_lexer_states"`
		MaxGrammarSize int `toml:"max_grammar_size"`
		MaxTokens      int `toml:"max_tokens"`
	} `toml:"limits"`

	Performance struct {
		NumParallel  int `toml:"num_parallel"`
		GrammarCache int `toml:"grammar_cache"`
	} `toml:"performance"`

	Logging struct {
		Debug bool `toml:"debug"`
		Level *int `toml:"level"`
	} `toml:"logging"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths for the current OS.
// LLG_CONFIG, when set, is the only candidate.
func GetConfigPaths() []string {
	if p := os.Getenv("LLG_CONFIG"); p != "" {
		return []string{p}
	}

	var paths []string
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "constrain", "config.toml"))
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths,
				filepath.Join(home, "Library", "Application Support", "constrain", "config.toml"),
				filepath.Join(home, ".config", "constrain", "config.toml"),
			)
		}
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "constrain", "config.toml"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, ".config", "constrain", "config.toml"))
		}
	}
	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// ReloadConfigFile forgets the cached config file so the next lookup reads it again.
func ReloadConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})

	if config == nil {
		return ""
	}

	nonzero := func(v int) string {
		if v > 0 {
			return strconv.Itoa(v)
		}
		return ""
	}

	switch key {
	case "LLG_MAX_ITEMS_IN_ROW":
		return nonzero(config.Limits.MaxItemsInRow)
	case "LLG_STEP_MAX_ITEMS":
		return nonzero(config.Limits.StepMaxItems)
	case "LLG_MAX_LEXER_STATES":
		return nonzero(config.Limits.MaxLexerStates)
	case "LLG_MAX_GRAMMAR_SIZE":
		return nonzero(config.Limits.MaxGrammarSize)
	case "LLG_MAX_TOKENS":
		return nonzero(config.Limits.MaxTokens)
	case "LLG_NUM_PARALLEL":
		return nonzero(config.Performance.NumParallel)
	case "LLG_GRAMMAR_CACHE":
		return nonzero(config.Performance.GrammarCache)
	case "LLG_DEBUG":
		if config.Logging.Debug {
			return "true"
		}
	case "LLG_LOG_LEVEL":
		if config.Logging.Level != nil {
			return strconv.Itoa(*config.Logging.Level)
		}
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# constrain configuration file
# Environment variables take precedence over values set here.

[limits]
# Maximum Earley items in a single row (default: 2000)
max_items_in_row = 2000
# Maximum Earley items visited while computing one mask (default: 50000)
step_max_items = 50000
# Maximum lexer automaton states per instance (default: 250000)
max_lexer_states = 250000
# Maximum compiled grammar size (default: 500000)
max_grammar_size = 500000
# Default token budget per instance (default: 0 = unlimited)
max_tokens = 0

[performance]
# Parallel mask computations in a batch (default: 1)
num_parallel = 1
# Compiled grammars kept in the cache (default: 64)
grammar_cache = 64

[logging]
# Enable debug logging (default: false)
debug = false
# Per-instance log level: 0 none, 1 warn, 2 info, 3 debug (default: 1)
level = 1
`
}
