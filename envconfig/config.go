package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ollama/constrain/api"
)

var (
	// Set via LLG_DEBUG in the environment
	Debug bool
	// Set via LLG_LOG_LEVEL in the environment. 0 disables instance logs.
	LogLevel int
	// Set via LLG_MAX_ITEMS_IN_ROW in the environment
	MaxItemsInRow int
	// Set via LLG_STEP_MAX_ITEMS in the environment
	StepMaxItems int
	// Set via LLG_MAX_LEXER_STATES in the environment
	MaxLexerStates int
	// Set via LLG_MAX_GRAMMAR_SIZE in the environment
	MaxGrammarSize int
	// Set via LLG_MAX_TOKENS in the environment. 0 means unlimited.
	MaxTokens int
	// Set via LLG_NUM_PARALLEL in the environment
	NumParallel int
	// Set via LLG_GRAMMAR_CACHE in the environment
	GrammarCache int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LLG_DEBUG":            {"LLG_DEBUG", Debug, "Show additional debug information (e.g. LLG_DEBUG=1)"},
		"LLG_LOG_LEVEL":        {"LLG_LOG_LEVEL", LogLevel, "Per-instance log level: 0 none, 1 warn, 2 info, 3 debug (default 1)"},
		"LLG_MAX_ITEMS_IN_ROW": {"LLG_MAX_ITEMS_IN_ROW", MaxItemsInRow, "Maximum Earley items in a single row"},
		"LLG_STEP_MAX_ITEMS":   {"LLG_STEP_MAX_ITEMS", StepMaxItems, "Maximum Earley items visited while computing one mask"},
		"LLG_MAX_LEXER_STATES": {"LLG_MAX_LEXER_STATES", MaxLexerStates, "Maximum lexer automaton states per instance"},
		"LLG_MAX_GRAMMAR_SIZE": {"LLG_MAX_GRAMMAR_SIZE", MaxGrammarSize, "Maximum size of a compiled grammar"},
		"LLG_MAX_TOKENS":       {"LLG_MAX_TOKENS", MaxTokens, "Default token budget per instance (0 = unlimited)"},
		"LLG_NUM_PARALLEL":     {"LLG_NUM_PARALLEL", NumParallel, "Maximum parallel mask computations in a batch (default 1)"},
		"LLG_GRAMMAR_CACHE":    {"LLG_GRAMMAR_CACHE", GrammarCache, "Number of compiled grammars kept in the cache (default 64)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Limits returns the parser limits after applying configuration.
func Limits() api.ParserLimits {
	limits := api.DefaultLimits()
	if MaxItemsInRow > 0 {
		limits.MaxItemsInRow = MaxItemsInRow
	}
	if StepMaxItems > 0 {
		limits.StepMaxItems = StepMaxItems
	}
	if MaxLexerStates > 0 {
		limits.MaxLexerStates = MaxLexerStates
	}
	if MaxGrammarSize > 0 {
		limits.MaxGrammarSize = MaxGrammarSize
	}
	return limits
}

// Clean quotes and spaces from the value. Values in the config file apply
// when the environment leaves a key unset.
func clean(key string) string {
	if v := strings.Trim(os.Getenv(key), "\"' "); v != "" {
		return v
	}
	return strings.Trim(GetConfigValue(key), "\"' ")
}

func init() {
	LoadConfig()
}

func positive(key string, dst *int) {
	s := clean(key)
	if s == "" {
		return
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		slog.Error("invalid setting must be greater than zero", key, s, "error", err)
		return
	}
	*dst = v
}

func LoadConfig() {
	Debug = false
	LogLevel = 1
	MaxItemsInRow = 0
	StepMaxItems = 0
	MaxLexerStates = 0
	MaxGrammarSize = 0
	MaxTokens = 0
	NumParallel = 1
	GrammarCache = 64

	if debug := clean("LLG_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if level := clean("LLG_LOG_LEVEL"); level != "" {
		l, err := strconv.Atoi(level)
		if err != nil || l < 0 {
			slog.Error("invalid setting", "LLG_LOG_LEVEL", level, "error", err)
		} else {
			LogLevel = l
		}
	}
	if Debug {
		LogLevel = max(LogLevel, 3)
	}

	positive("LLG_MAX_ITEMS_IN_ROW", &MaxItemsInRow)
	positive("LLG_STEP_MAX_ITEMS", &StepMaxItems)
	positive("LLG_MAX_LEXER_STATES", &MaxLexerStates)
	positive("LLG_MAX_GRAMMAR_SIZE", &MaxGrammarSize)
	positive("LLG_MAX_TOKENS", &MaxTokens)
	positive("LLG_NUM_PARALLEL", &NumParallel)
	positive("LLG_GRAMMAR_CACHE", &GrammarCache)
}
