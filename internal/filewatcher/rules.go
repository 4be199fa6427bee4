package filewatcher

import (
	"time"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog"
)

const defaultPatternTimeout = 2 * time.Second

// Rule maps a file-name pattern to a destination folder or a named processor.
type Rule struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
	Processor   string `json:"processor,omitempty" yaml:"processor,omitempty"`
}

type compiledRule struct {
	rule Rule
	re   *regexp2.Regexp
	err  error
}

// RuleEngine evaluates rules in their configured order. Patterns use .NET
// compatible syntax and are evaluated with a per-pattern match timeout.
type RuleEngine struct {
	rules  []compiledRule
	logger zerolog.Logger
}

// NewRuleEngine compiles every rule once. A pattern that fails to compile is
// kept in place and reported each time it would have been evaluated.
func NewRuleEngine(rules []Rule, timeout time.Duration, logger zerolog.Logger) *RuleEngine {
	if timeout <= 0 {
		timeout = defaultPatternTimeout
	}
	e := &RuleEngine{
		rules:  make([]compiledRule, 0, len(rules)),
		logger: logger,
	}
	for _, r := range rules {
		cr := compiledRule{rule: r}
		re, err := regexp2.Compile(r.Pattern, regexp2.None)
		if err != nil {
			cr.err = err
		} else {
			re.MatchTimeout = timeout
			cr.re = re
		}
		e.rules = append(e.rules, cr)
	}
	return e
}

// Resolve returns the first rule whose pattern matches fileName.
func (e *RuleEngine) Resolve(fileName string) (Rule, bool) {
	if fileName == "" {
		return Rule{}, false
	}
	for _, cr := range e.rules {
		if cr.err != nil {
			e.logger.Error().Err(cr.err).Str("pattern", cr.rule.Pattern).Msg("Invalid rule pattern, skipping")
			continue
		}
		ok, err := cr.re.MatchString(fileName)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("pattern", cr.rule.Pattern).
				Str("file", fileName).
				Msg("Rule pattern timed out, skipping")
			continue
		}
		if ok {
			return cr.rule, true
		}
	}
	e.logger.Debug().Str("file", fileName).Msg("No matching rule")
	return Rule{}, false
}

// Rules returns the configured rules in evaluation order.
func (e *RuleEngine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = cr.rule
	}
	return out
}

// Destinations returns the distinct destination folders of all rules, in
// first-seen order.
func (e *RuleEngine) Destinations() []string {
	seen := make(map[string]bool)
	var out []string
	for _, cr := range e.rules {
		d := cr.rule.Destination
		if d == "" {
			continue
		}
		key := pathKey(d)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}
