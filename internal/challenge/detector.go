package challenge

import (
	"net/http"
	"strings"
)

type Family string

const (
	FamilyNone         Family = "none"
	FamilyBotChallenge Family = "bot-challenge"
	FamilyRateLimit    Family = "rate-limit"
	FamilyUnknown      Family = "unknown"
)

type Verdict struct {
	Blocked bool
	Family  Family
}

var Clear = Verdict{Blocked: false, Family: FamilyNone}

// Detector classifies fetched pages by case-insensitive phrase containment.
// It holds no mutable state; identical input yields identical verdicts.
type Detector struct {
	bot       []string
	rateLimit []string
}

func NewDetector(botPhrases, rateLimitPhrases []string) *Detector {
	return &Detector{bot: lowerAll(botPhrases), rateLimit: lowerAll(rateLimitPhrases)}
}

// Classify looks at page text only. Empty content is not evidence of a block.
// When both families match, rate-limit wins.
func (d *Detector) Classify(content string) Verdict {
	if content == "" {
		return Clear
	}
	text := strings.ToLower(content)
	switch {
	case containsAny(text, d.rateLimit):
		return Verdict{Blocked: true, Family: FamilyRateLimit}
	case containsAny(text, d.bot):
		return Verdict{Blocked: true, Family: FamilyBotChallenge}
	default:
		return Clear
	}
}

// ClassifyResponse also uses the status code when one is known (0 means unknown).
// 429 is a rate limit regardless of body; 403 and 503 without a phrase match
// are blocks of unknown family.
func (d *Detector) ClassifyResponse(status int, content string) Verdict {
	v := d.Classify(content)
	if v.Blocked {
		return v
	}
	switch status {
	case http.StatusTooManyRequests:
		return Verdict{Blocked: true, Family: FamilyRateLimit}
	case http.StatusForbidden, http.StatusServiceUnavailable:
		return Verdict{Blocked: true, Family: FamilyUnknown}
	}
	return v
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
