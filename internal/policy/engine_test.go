package policy

import "testing"

func TestEvaluateSubmitLanguageAndQuota(t *testing.T) {
	engine := NewFromConfig(Config{
		DefaultAction:      "allow",
		SupportedLanguages: []string{"python", "bash"},
		AccountQuotas: map[string]AccountQuota{
			"acct-a": {MaxRunningJobs: 1},
		},
	})

	d := engine.EvaluateSubmit(SubmitInput{Account: "acct-a", Language: "ruby"})
	if d.Allowed {
		t.Fatalf("expected unsupported-language deny")
	}
	if d.ReasonCode != "language_not_supported" {
		t.Fatalf("unexpected reason code: %s", d.ReasonCode)
	}

	d = engine.EvaluateSubmit(SubmitInput{Account: "acct-a", Language: "python", RunningJobs: 1})
	if d.Allowed {
		t.Fatalf("expected quota deny decision")
	}
	if d.ReasonCode != "quota_running_jobs_exceeded" {
		t.Fatalf("unexpected quota reason code: %s", d.ReasonCode)
	}

	d = engine.EvaluateSubmit(SubmitInput{Account: "acct-a", Language: "python", RunningJobs: 0})
	if !d.Allowed {
		t.Fatalf("expected allow decision, got deny %s", d.ReasonCode)
	}
}

func TestEvaluateSubmitDenyRule(t *testing.T) {
	engine := NewFromConfig(Config{
		DefaultAction:      "allow",
		SupportedLanguages: []string{"python", "bash"},
		Rules: []Rule{
			{
				Name:   "deny-bash-for-account",
				Effect: "deny",
				Reason: "bash_forbidden_for_account",
				Match:  RuleMatch{Account: "acct-b", Language: "bash"},
			},
		},
	})

	d := engine.EvaluateSubmit(SubmitInput{Account: "acct-b", Language: "bash"})
	if d.Allowed {
		t.Fatalf("expected rule deny")
	}
	if d.ReasonCode != "bash_forbidden_for_account" {
		t.Fatalf("unexpected reason code: %s", d.ReasonCode)
	}

	d = engine.EvaluateSubmit(SubmitInput{Account: "acct-c", Language: "bash"})
	if !d.Allowed {
		t.Fatalf("expected allow for unmatched account, got deny %s", d.ReasonCode)
	}
}

func TestAllowAllEngineNeverDenies(t *testing.T) {
	engine := NewAllowAll()
	d := engine.EvaluateSubmit(SubmitInput{Account: "anyone", Language: "whatever-lang"})
	if !d.Allowed {
		t.Fatalf("expected allow-all engine to allow everything")
	}
}
