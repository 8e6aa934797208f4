package api

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// submitLimiter is a sliding one-minute window over POST /jobs, per
// submitter and globally. It denies rather than queues: a submitter over
// budget gets a 429, not a delayed accept.
type submitLimiter struct {
	mu            sync.Mutex
	perAccountMax int
	globalMax     int
	window        time.Duration
	accounts      map[string][]int64
	global        []int64
}

func newSubmitLimiterFromEnv() *submitLimiter {
	perAccount := getenvIntRL("GRIDX_SUBMIT_RATE_LIMIT_PER_MIN", 60)
	global := getenvIntRL("GRIDX_SUBMIT_GLOBAL_RATE_LIMIT_PER_MIN", 600)
	if perAccount < 0 {
		perAccount = 0
	}
	if global < 0 {
		global = 0
	}
	return &submitLimiter{
		perAccountMax: perAccount,
		globalMax:     global,
		window:        time.Minute,
		accounts:      map[string][]int64{},
		global:        make([]int64, 0, 1024),
	}
}

func (l *submitLimiter) allow(accountID string, now time.Time) bool {
	if l == nil || (l.perAccountMax == 0 && l.globalMax == 0) {
		return true
	}
	ts := now.UTC().Unix()
	cutoff := ts - int64(l.window.Seconds())

	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = trimCutoff(l.global, cutoff)
	if l.globalMax > 0 && len(l.global) >= l.globalMax {
		return false
	}

	history := trimCutoff(l.accounts[accountID], cutoff)
	if l.perAccountMax > 0 && len(history) >= l.perAccountMax {
		l.accounts[accountID] = history
		return false
	}

	history = append(history, ts)
	l.accounts[accountID] = history
	l.global = append(l.global, ts)
	return true
}

func trimCutoff(in []int64, cutoff int64) []int64 {
	if len(in) == 0 {
		return in
	}
	i := 0
	for i < len(in) && in[i] <= cutoff {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]int64, len(in)-i)
	copy(out, in[i:])
	return out
}

func getenvIntRL(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
