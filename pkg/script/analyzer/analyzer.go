// Package analyzer implements the Script Analyzer: a stateless static
// inspector for script text, used as the Script Manager's safety gate.
// Pattern rules are hot-reloadable from a JSON config file via
// github.com/spf13/viper and github.com/fsnotify/fsnotify, grounded on
// firestige-Otus's and jordigilh-kubernaut's dependency graphs pulling in
// the same viper+fsnotify combination for live-reloaded configuration.
package analyzer

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/skywave-obs/lithiumcore/pkg/corerr"
	"github.com/skywave-obs/lithiumcore/pkg/log"
	"github.com/skywave-obs/lithiumcore/pkg/metrics"
)

// Danger describes one matched dangerous construct.
type Danger struct {
	Category       string `json:"category"`
	MatchedCommand string `json:"matched_command"`
	Reason         string `json:"reason"`
	Line           int    `json:"line"`
	Context        string `json:"context,omitempty"`
}

// Result is the full output of Analyze.
type Result struct {
	IsValid         bool          `json:"is_valid"`
	Dangers         []Danger      `json:"dangers"`
	Complexity      int           `json:"complexity"`
	ExecutionTime   time.Duration `json:"execution_time"`
	TimeoutOccurred bool          `json:"timeout_occurred"`
	SafeVersion     string        `json:"safe_version"`
}

// Stats summarizes analyzer activity.
type Stats struct {
	TotalAnalyzed     int64
	AvgAnalysisTimeNs int64
}

type rule struct {
	pattern  *regexp.Regexp
	category string
	reason   string
}

// configRule is the JSON shape of one entry in the analyzer config file and
// of update_config's hot-reloaded rule list.
type configRule struct {
	Pattern  string `json:"pattern" mapstructure:"pattern"`
	Category string `json:"category" mapstructure:"category"`
	Reason   string `json:"reason" mapstructure:"reason"`
}

// Analyzer performs static safety analysis of script text. It carries no
// per-script state; only the rule set and running stats.
type Analyzer struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	rules []rule

	statsMu        sync.Mutex
	totalAnalyzed  int64
	totalNanos     int64

	viper *viper.Viper
}

// New creates an Analyzer with a small built-in rule set of obviously
// destructive shell constructs; callers typically extend it via AddPattern
// or replace it via UpdateConfig.
func New() *Analyzer {
	a := &Analyzer{logger: log.WithComponent("analyzer")}
	for _, r := range defaultRules() {
		a.addRule(r.pattern, r.category, r.reason)
	}
	return a
}

func defaultRules() []struct {
	pattern  string
	category string
	reason   string
} {
	return []struct {
		pattern  string
		category string
		reason   string
	}{
		{`rm\s+-rf\s+/`, "filesystem", "recursive force-delete of root or an unqualified path"},
		{`:\(\)\s*\{\s*:\|:&\s*\};:`, "fork-bomb", "shell fork bomb"},
		{`mkfs\.`, "filesystem", "formats a block device"},
		{`dd\s+if=.*of=/dev/`, "filesystem", "raw write to a device node"},
		{`curl[^|]*\|\s*(sh|bash)`, "remote-code", "pipes a remote download directly into a shell"},
	}
}

// AddPattern registers one additional dangerous-construct rule.
func (a *Analyzer) AddPattern(pattern, category string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return corerr.Wrap(corerr.InvalidArgument, err, "invalid analyzer pattern")
	}
	a.addRule(re, category, "matches configured pattern "+pattern)
	return nil
}

func (a *Analyzer) addRule(re *regexp.Regexp, category, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, rule{pattern: re, category: category, reason: reason})
}

// UpdateConfig loads the JSON rule list at path and begins watching it for
// changes; edits to the file live-reload the rule set without a restart.
// Each load replaces the whole rule set, built-in rules and earlier
// AddPattern additions included.
func (a *Analyzer) UpdateConfig(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return corerr.Wrap(corerr.InvalidArgument, err, "reading analyzer config")
	}
	if err := a.loadRulesFromViper(v); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := a.loadRulesFromViper(v); err != nil {
			a.logger.Error().Err(err).Str("path", path).Msg("failed to reload analyzer config")
			return
		}
		a.logger.Info().Str("path", path).Msg("analyzer config reloaded")
	})
	v.WatchConfig()

	a.viper = v
	return nil
}

func (a *Analyzer) loadRulesFromViper(v *viper.Viper) error {
	var entries []configRule
	if err := v.UnmarshalKey("rules", &entries); err != nil {
		// also accept a bare top-level array config file
		if err2 := v.Unmarshal(&entries); err2 != nil {
			return corerr.Wrap(corerr.DefinitionError, err, "decoding analyzer rules")
		}
	}

	var compiled []rule
	for _, e := range entries {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return corerr.Wrap(corerr.DefinitionError, err, fmt.Sprintf("invalid pattern %q", e.Pattern))
		}
		reason := e.Reason
		if reason == "" {
			reason = "matches configured pattern " + e.Pattern
		}
		compiled = append(compiled, rule{pattern: re, category: e.Category, reason: reason})
	}

	a.mu.Lock()
	a.rules = compiled
	a.mu.Unlock()
	return nil
}

// Analyze inspects text for dangerous constructs and reports a complexity
// score. timeout, if non-zero, bounds pattern scanning; on a pathological
// input that would exceed it, TimeoutOccurred is set and scanning stops
// early, but any dangers already found are still reported.
func (a *Analyzer) Analyze(text string, timeout time.Duration) Result {
	start := time.Now()
	metrics.AnalyzerScansTotal.Inc()

	a.mu.RLock()
	rules := a.rules
	a.mu.RUnlock()

	lines := strings.Split(text, "\n")
	var dangers []Danger
	timedOut := false

	for lineNo, line := range lines {
		if timeout > 0 && time.Since(start) > timeout {
			timedOut = true
			break
		}
		for _, r := range rules {
			if loc := r.pattern.FindStringIndex(line); loc != nil {
				metrics.AnalyzerDangersFound.WithLabelValues(r.category).Inc()
				dangers = append(dangers, Danger{
					Category:       r.category,
					MatchedCommand: line[loc[0]:loc[1]],
					Reason:         r.reason,
					Line:           lineNo + 1,
					Context:        strings.TrimSpace(line),
				})
			}
		}
	}

	elapsed := time.Since(start)
	a.statsMu.Lock()
	a.totalAnalyzed++
	a.totalNanos += elapsed.Nanoseconds()
	a.statsMu.Unlock()

	return Result{
		IsValid:         len(dangers) == 0,
		Dangers:         dangers,
		Complexity:      complexity(text),
		ExecutionTime:   elapsed,
		TimeoutOccurred: timedOut,
		SafeVersion:     safeVersion(text, dangers),
	}
}

// Validate reports whether text is free of dangerous constructs.
func (a *Analyzer) Validate(text string) bool {
	return a.Analyze(text, 0).IsValid
}

// SafeVersion returns text with every matched dangerous construct commented
// out.
func (a *Analyzer) SafeVersion(text string) string {
	return safeVersion(text, a.Analyze(text, 0).Dangers)
}

// Stats returns running analyzer activity counters.
func (a *Analyzer) Stats() Stats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	var avg int64
	if a.totalAnalyzed > 0 {
		avg = a.totalNanos / a.totalAnalyzed
	}
	return Stats{TotalAnalyzed: a.totalAnalyzed, AvgAnalysisTimeNs: avg}
}

func complexity(text string) int {
	lines := strings.Split(text, "\n")
	score := len(lines)
	for _, l := range lines {
		score += strings.Count(l, "if ")
		score += strings.Count(l, "for ")
		score += strings.Count(l, "while ")
		score += strings.Count(l, "{")
	}
	return score
}

func safeVersion(text string, dangers []Danger) string {
	if len(dangers) == 0 {
		return text
	}
	dangerousLines := make(map[int]bool, len(dangers))
	for _, d := range dangers {
		dangerousLines[d.Line] = true
	}

	lines := strings.Split(text, "\n")
	for i := range lines {
		if dangerousLines[i+1] {
			lines[i] = "# DISABLED (dangerous construct): " + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}
