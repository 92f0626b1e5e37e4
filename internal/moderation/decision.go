// Package moderation classifies chat messages, applies the moderation policy,
// tracks per-identity risk and gates persistence and broadcast.
package moderation

// Status is the outcome of the moderation policy.
type Status string

const (
	StatusApproved Status = "approved"
	StatusCensored Status = "censored"
	StatusBlocked  Status = "blocked"
)

const (
	// CensorThreshold is the lowest toxicity that is censored.
	CensorThreshold = 0.3
	// BlockThreshold is the lowest toxicity that is blocked.
	BlockThreshold = 0.7

	ReasonToxicLanguage  = "toxic_language"
	ReasonSevereToxicity = "severe_toxicity"

	// Placeholder replaces the content of a censored message.
	Placeholder = "[‼️ Message hidden due to inappropriate language]"
)

// Labels are the per-label scores the classifier must return.
var Labels = []string{"toxic", "severe_toxic", "obscene", "threat", "insult", "identity_hate"}

// Decision is the policy outcome for one toxicity value.
type Decision struct {
	Status        Status
	ModeratedText *string // nil when blocked
	Reason        *string // nil when approved
}

// Decide maps a toxicity score to a decision. Anything that is not below
// BlockThreshold, NaN included, is blocked.
func Decide(toxicity float64, text string) Decision {
	switch {
	case toxicity < CensorThreshold:
		return Decision{Status: StatusApproved, ModeratedText: &text}
	case toxicity < BlockThreshold:
		placeholder, reason := Placeholder, ReasonToxicLanguage
		return Decision{Status: StatusCensored, ModeratedText: &placeholder, Reason: &reason}
	default:
		reason := ReasonSevereToxicity
		return Decision{Status: StatusBlocked, Reason: &reason}
	}
}
