// Package safety screens text entering the reasoning loop for prompt
// injection: task descriptions that try to rewrite the system prompt, and
// tool output that smuggles instructions back in.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the recommended response to a detected pattern.
type Action int

const (
	// ActionAllow means the text is clean.
	ActionAllow Action = iota
	// ActionWarn flags suspicious text that may still proceed.
	ActionWarn
	// ActionBlock means the text must not reach the provider.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

// CheckResult is the outcome of one scan.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string // matching expression, for the audit trail
}

// MustAllow converts a blocking result into an error.
func (r CheckResult) MustAllow() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("prompt injection detected: %s", r.Reason)
	}
	return nil
}

type injectionPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var injectionPatterns = []injectionPattern{
	// Attempts to displace the system prompt.
	{
		re:     regexp.MustCompile(`(?i)\b(ignore|disregard)\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`),
		action: ActionBlock,
		reason: "instruction override",
	},
	{
		re:     regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`),
		action: ActionBlock,
		reason: "identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(the\s+)?(system\s+)?prompt)\b`),
		action: ActionBlock,
		reason: "system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\bforget\s+(everything|all|your)\b`),
		action: ActionBlock,
		reason: "memory wipe request",
	},
	// Attempts to extract the system prompt.
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`),
		action: ActionBlock,
		reason: "system prompt extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\bwhat\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?)\b`),
		action: ActionBlock,
		reason: "system prompt query",
	},
	// Markers that rarely appear in honest task text or tool output.
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: ActionWarn,
		reason: "embedded [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "chat template tag",
	},
	{
		// Base64 of "ignore"/"Ignore".
		re:     regexp.MustCompile(`aWdub3Jl|SWdub3Jl`),
		action: ActionWarn,
		reason: "possible encoded injection",
	},
}

// Sanitizer scans text against the injection pattern set.
type Sanitizer struct{}

// NewSanitizer returns a Sanitizer.
func NewSanitizer() *Sanitizer { return &Sanitizer{} }

// Check scans one piece of text. The first matching pattern wins.
func (s *Sanitizer) Check(input string) CheckResult {
	if strings.TrimSpace(input) == "" {
		return CheckResult{Action: ActionAllow}
	}
	for _, pat := range injectionPatterns {
		if pat.re.MatchString(input) {
			return CheckResult{
				Action:  pat.action,
				Reason:  pat.reason,
				Pattern: pat.re.String(),
			}
		}
	}
	return CheckResult{Action: ActionAllow}
}
