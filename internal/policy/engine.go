// Package policy evaluates submission-time decisions against an
// operator-supplied YAML file: which languages are accepted and how many
// concurrently running jobs an account may hold.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AccountQuota bounds one account's concurrent job usage.
type AccountQuota struct {
	MaxRunningJobs int `yaml:"max_running_jobs"`
}

// RuleMatch selects the submissions a Rule applies to. Empty fields match
// anything.
type RuleMatch struct {
	Account  string `yaml:"account"`
	Language string `yaml:"language"`
}

// Rule is one allow/deny line in the policy file, evaluated in order; the
// first match wins.
type Rule struct {
	Name   string    `yaml:"name"`
	Effect string    `yaml:"effect"` // "allow" or "deny"
	Reason string    `yaml:"reason"`
	Match  RuleMatch `yaml:"match"`
}

// Config is the on-disk shape of a policy file.
type Config struct {
	DefaultAction      string                  `yaml:"default_action"` // "allow" or "deny"
	SupportedLanguages []string                `yaml:"supported_languages"`
	AccountQuotas      map[string]AccountQuota `yaml:"account_quotas"`
	Rules              []Rule                  `yaml:"rules"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed    bool
	ReasonCode string
}

// SubmitInput carries the facts needed to evaluate a job submission.
type SubmitInput struct {
	Account     string
	Language    string
	RunningJobs int
}

// Engine evaluates submissions against a loaded Config. A nil *Engine and
// NewAllowAll allow everything; the zero value has an empty DefaultAction
// and so denies any submission no rule allows.
type Engine struct {
	cfg  Config
	noop bool
}

// NewAllowAll returns an Engine that allows every submission and places no
// language restriction, used when no policy file is configured.
func NewAllowAll() *Engine {
	return &Engine{noop: true}
}

// LoadFromEnv reads the policy file named by GRIDX_POLICY_FILE, if set, and
// falls back to the language list in GRIDX_SUPPORTED_LANGUAGES (or the
// built-in default) when no file is configured.
func LoadFromEnv() (*Engine, error) {
	path := strings.TrimSpace(os.Getenv("GRIDX_POLICY_FILE"))
	if path == "" {
		return NewFromConfig(Config{
			DefaultAction:      "allow",
			SupportedLanguages: defaultSupportedLanguages(),
		}), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	if len(cfg.SupportedLanguages) == 0 {
		cfg.SupportedLanguages = defaultSupportedLanguages()
	}
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = "allow"
	}
	return NewFromConfig(cfg), nil
}

func defaultSupportedLanguages() []string {
	raw := strings.TrimSpace(os.Getenv("GRIDX_SUPPORTED_LANGUAGES"))
	if raw == "" {
		return []string{"python", "javascript", "node", "bash"}
	}
	out := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewFromConfig builds an Engine from an already-parsed Config.
func NewFromConfig(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// IsNoop reports whether this Engine imposes no restriction at all.
func (e *Engine) IsNoop() bool {
	return e == nil || e.noop
}

// EvaluateSubmit checks a candidate job submission against the language
// allow-list, the matching rule set, and the submitter's running-job quota,
// in that order. An unsupported language is denied outright; a matching
// rule then decides the outcome on its own (an allow rule skips the quota
// check); otherwise the quota is checked and the default action applies.
func (e *Engine) EvaluateSubmit(in SubmitInput) Decision {
	if e.IsNoop() {
		return Decision{Allowed: true}
	}
	if !e.languageSupported(in.Language) {
		return Decision{Allowed: false, ReasonCode: "language_not_supported"}
	}
	if d, matched := e.evaluateRules(in.Account, in.Language); matched {
		return d
	}
	if q, ok := e.cfg.AccountQuotas[in.Account]; ok && q.MaxRunningJobs > 0 {
		if in.RunningJobs >= q.MaxRunningJobs {
			return Decision{Allowed: false, ReasonCode: "quota_running_jobs_exceeded"}
		}
	}
	return Decision{Allowed: normalizeAction(e.cfg.DefaultAction)}
}

func (e *Engine) languageSupported(lang string) bool {
	if len(e.cfg.SupportedLanguages) == 0 {
		return true
	}
	for _, l := range e.cfg.SupportedLanguages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

func (e *Engine) evaluateRules(account, language string) (Decision, bool) {
	for _, r := range e.cfg.Rules {
		if !matches(r.Match, account, language) {
			continue
		}
		return Decision{Allowed: normalizeAction(r.Effect), ReasonCode: r.Reason}, true
	}
	return Decision{}, false
}

func matches(m RuleMatch, account, language string) bool {
	if m.Account != "" && m.Account != account {
		return false
	}
	if m.Language != "" && !strings.EqualFold(m.Language, language) {
		return false
	}
	return true
}

func normalizeAction(action string) bool {
	return strings.EqualFold(strings.TrimSpace(action), "allow")
}
