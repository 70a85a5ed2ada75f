package outcome

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

type Outcome string

const (
	Success          Outcome = "success"
	QuotaExceeded    Outcome = "quota_exceeded"
	PermissionDenied Outcome = "permission_denied"
	ContentBlocked   Outcome = "content_blocked"
	Timeout          Outcome = "timeout"
	TransientFailure Outcome = "transient_failure"
	FatalFailure     Outcome = "fatal_failure"
)

func All() []Outcome {
	return []Outcome{Success, QuotaExceeded, PermissionDenied, ContentBlocked, Timeout, TransientFailure, FatalFailure}
}

// Signal is everything a driver observed after executing one work item.
type Signal struct {
	PageText     string
	URL          string
	QuotaReadout string
	Elapsed      time.Duration
	Budget       time.Duration
	Artifact     string
	Err          error
}

type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
}

var quotaHints = []string{
	"quota exceeded",
	"user has exceeded quota",
	"exceeded your current quota",
	"free tier capacity",
	"reached your limit",
	"generation limit reached",
}

var permissionHints = []string{
	"permission denied",
	"access denied",
	"you don't have access",
	"you do not have access",
	"not available in your country",
}

var contentHints = []string{
	"prompt was blocked",
	"blocked due to safety",
	"violates our policies",
	"against our content policy",
}

var failureHints = []string{
	"failed to generate video",
	"failed to generate a video",
	"something went wrong",
	"internal error",
}

var remainingQuotaPattern = regexp.MustCompile(`(?i)\b0\s*/\s*\d+\s+generations?\b`)

type rule struct {
	outcome Outcome
	match   func(Signal) (string, bool)
}

// Order is precedence: the first matching rule wins.
var rules = []rule{
	{QuotaExceeded, matchQuota},
	{PermissionDenied, matchPermission},
	{ContentBlocked, matchContent},
	{FatalFailure, matchFatal},
	{Timeout, matchTimeout},
	{TransientFailure, matchTransient},
	{Success, matchSuccess},
}

func Classify(sig Signal) Result {
	for _, r := range rules {
		if reason, ok := r.match(sig); ok {
			return Result{Outcome: r.outcome, Reason: reason}
		}
	}
	return Result{Outcome: TransientFailure, Reason: "no success signal observed"}
}

// Conclusive reports whether sig matches a rule outright instead of falling
// through to the default. Drivers poll with it to stop waiting early.
func Conclusive(sig Signal) bool {
	for _, r := range rules {
		if _, ok := r.match(sig); ok {
			return true
		}
	}
	return false
}

func matchQuota(sig Signal) (string, bool) {
	if errors.Is(sig.Err, ErrQuotaExceeded) {
		return "driver reported quota exceeded", true
	}
	if remainingQuotaPattern.MatchString(sig.QuotaReadout) {
		return "remaining quota " + strings.TrimSpace(sig.QuotaReadout), true
	}
	if h, ok := containsHint(sig.PageText, quotaHints); ok {
		return "page text: " + h, true
	}
	return "", false
}

func matchPermission(sig Signal) (string, bool) {
	if errors.Is(sig.Err, ErrPermissionDenied) {
		return "driver reported permission denied", true
	}
	if isSignInURL(sig.URL) {
		return "session redirected to sign-in", true
	}
	if h, ok := containsHint(sig.PageText, permissionHints); ok {
		return "page text: " + h, true
	}
	return "", false
}

func matchContent(sig Signal) (string, bool) {
	if errors.Is(sig.Err, ErrContentBlocked) {
		return "driver reported content blocked", true
	}
	if h, ok := containsHint(sig.PageText, contentHints); ok {
		return "page text: " + h, true
	}
	return "", false
}

func matchFatal(sig Signal) (string, bool) {
	if IsFatal(sig.Err) {
		return truncate(sig.Err.Error(), 240), true
	}
	return "", false
}

func matchTimeout(sig Signal) (string, bool) {
	if errors.Is(sig.Err, ErrTimeout) || errors.Is(sig.Err, context.DeadlineExceeded) {
		return "driver timed out", true
	}
	if sig.Budget > 0 && sig.Elapsed > sig.Budget && strings.TrimSpace(sig.Artifact) == "" {
		return "elapsed " + sig.Elapsed.Round(time.Second).String() + " over budget " + sig.Budget.String(), true
	}
	return "", false
}

func matchTransient(sig Signal) (string, bool) {
	if sig.Err != nil {
		return truncate(sig.Err.Error(), 240), true
	}
	if h, ok := containsHint(sig.PageText, failureHints); ok {
		return "page text: " + h, true
	}
	return "", false
}

func matchSuccess(sig Signal) (string, bool) {
	if strings.TrimSpace(sig.Artifact) != "" {
		return "artifact produced", true
	}
	return "", false
}

func containsHint(s string, hints []string) (string, bool) {
	text := strings.ToLower(s)
	if text == "" {
		return "", false
	}
	text = strings.ReplaceAll(text, "’", "'")
	for _, h := range hints {
		if strings.Contains(text, h) {
			return h, true
		}
	}
	return "", false
}

func isSignInURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), "accounts.google.com")
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
