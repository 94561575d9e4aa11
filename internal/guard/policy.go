// Package guard decides whether an email may be answered automatically
// or must be escalated to a human. Evaluation is a pure function of the
// classifier output and a settings snapshot; rules run in a fixed order
// and the first match wins.
package guard

import (
	"fmt"
	"strings"
)

// Escalation flags.
const (
	FlagForeignLanguage   = "FOREIGN_LANGUAGE"
	FlagSensitiveCategory = "SENSITIVE_CATEGORY"
	FlagMixedIntent       = "MIXED_INTENT"
	FlagKBPolicyViolation = "KB_POLICY_VIOLATION"
	FlagLowConfidence     = "LOW_CONFIDENCE"
	FlagManualApproval    = "MANUAL_APPROVAL_REQUIRED"
	FlagAutoSendDisabled  = "AUTO_SEND_DISABLED"
	FlagGuardError        = "GUARD_ERROR"
)

// ReasonAllChecksPassed is the reason attached to an approving decision.
const ReasonAllChecksPassed = "all_checks_passed"

// languageFlags force escalation when present on the classified email.
var languageFlags = []string{"FOREIGN_LANGUAGE", "NON_GERMAN", "TRANSLATION_NEEDED"}

// sensitiveFragments mark categories that are never auto-answered.
var sensitiveFragments = []string{"rezept", "prescription", "au_", "arbeitsunfähigkeit", "unclear_intent"}

// mixedFlags mark emails carrying more than one request.
var mixedFlags = []string{"MIXED_INTENT", "MULTIPLE_REQUESTS"}

// KBPolicy carries knowledge-base policy signals for the classified
// category, when available.
type KBPolicy struct {
	RequiresDoctor       bool    `json:"requires_doctor"`
	RequiresPrivacyCheck bool    `json:"requires_privacy_check"`
	ComplexityScore      float64 `json:"complexity_score"`
}

// Input is the classifier output the guard evaluates.
type Input struct {
	Class      string
	Confidence float64
	Flags      []string
	Details    map[string]any
	KBPolicy   *KBPolicy
}

// Snapshot is the settings state read at evaluation time. The guard
// never touches the store; callers take the snapshot.
type Snapshot struct {
	AutoSendEnabled       bool
	ConfidenceThreshold   float64
	RequireManualApproval bool
}

// Decision is the guard outcome.
type Decision struct {
	Auto          bool
	Reason        string
	EscalateFlags []string
}

func escalate(reason string, flags ...string) Decision {
	return Decision{Auto: false, Reason: reason, EscalateFlags: flags}
}

// Evaluate runs the ordered guard rules against the input and settings
// snapshot. Repeated evaluation with identical inputs yields an
// identical decision.
func Evaluate(in Input, snap Snapshot) Decision {
	// 1. Foreign language
	for _, flag := range in.Flags {
		for _, language := range languageFlags {
			if flag == language {
				return escalate("language", FlagForeignLanguage)
			}
		}
	}

	// 2. Sensitive category
	lowerClass := strings.ToLower(in.Class)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lowerClass, fragment) {
			return escalate("sensitive_"+in.Class, FlagSensitiveCategory)
		}
	}

	// 3. Mixed intent
	if strings.Contains(lowerClass, "mixed") || strings.Contains(lowerClass, "mehrfach") {
		return escalate("mixed_intent", FlagMixedIntent)
	}
	for _, flag := range in.Flags {
		for _, mixed := range mixedFlags {
			if flag == mixed {
				return escalate("mixed_intent", FlagMixedIntent)
			}
		}
	}

	// 4. KB policy violation
	if kb := in.KBPolicy; kb != nil {
		switch {
		case kb.RequiresDoctor:
			return escalate("requires_doctor_attention", FlagKBPolicyViolation)
		case kb.RequiresPrivacyCheck:
			return escalate("requires_privacy_check", FlagKBPolicyViolation)
		case kb.ComplexityScore >= 0.8:
			return escalate("high_complexity", FlagKBPolicyViolation)
		}
	}

	// 5. Low confidence; the threshold itself passes.
	if in.Confidence < snap.ConfidenceThreshold {
		return escalate(fmt.Sprintf("low_confidence_%.2f", in.Confidence), FlagLowConfidence)
	}

	// 6. Manual approval required
	if snap.RequireManualApproval {
		return escalate("manual_approval", FlagManualApproval)
	}

	// 7. Auto-send disabled
	if !snap.AutoSendEnabled {
		return escalate("auto_send_disabled", FlagAutoSendDisabled)
	}

	return Decision{Auto: true, Reason: ReasonAllChecksPassed, EscalateFlags: []string{}}
}
