// Package agentstate classifies a captured pane buffer into the agent's
// activity state. The classifier is a pure function of the buffer text and
// the patterns table below; it performs no I/O.
package agentstate

import (
	"regexp"
	"strings"
)

// State is the coarse activity state of an agent CLI session.
type State string

const (
	Thinking           State = "THINKING"
	IdleAtPrompt       State = "IDLE_AT_PROMPT"
	PermissionRequired State = "PERMISSION_REQUIRED"
	PlanApproval       State = "PLAN_APPROVAL"
	NeedsHumanInput    State = "NEEDS_HUMAN_INPUT"
	ActivelyWorking    State = "ACTIVELY_WORKING"
)

// Classification is the classifier's full verdict.
type Classification struct {
	State      State
	IsWaiting  bool
	NeedsHuman bool
}

// Pattern tables. Matching is case-insensitive on a lowercased buffer;
// regexes are used only where substrings cannot express the shape.
var (
	// Markers present only while the CLI is actively generating.
	activeWorkMarkers = []string{
		"esc to interrupt",
		"ctrl+c to interrupt",
		"(esc to interrupt)",
	}
	// Rotating thinking verbs shown with a spinner while generating.
	thinkingVerbRe = regexp.MustCompile(`(?i)[·✢✳✶✻✽*]\s+(thinking|pondering|cogitating|ruminating|musing|deliberating|brewing|churning|crafting|forging|vibing|simmering|percolating|moseying|herding|clauding|actualizing|conjuring|divining|elucidating|finagling|hatching|incubating|manifesting|marinating|noodling|puttering|schlepping|smooshing|spelunking|transmuting|wibbling|wrangling)…?`)

	// Shapes that only a human can answer.
	humanInputMarkers = []string{
		"user declined to answer",
		"would you like me to",
		"which option would you prefer",
		"please clarify",
		"can you clarify",
		"need your input",
		"waiting for your response",
	}
	// Numbered option menu with its navigation hint.
	optionMenuRe = regexp.MustCompile(`(?m)^\s*❯?\s*1\.\s+\S[\s\S]*?(use arrow keys|↑/↓ to select|enter to confirm)`)

	permissionMarkers = []string{
		"permission required",
		"permission needed",
		"needs your permission",
		"do you want to proceed",
		"allow this tool",
	}
	approvalPromptRe = regexp.MustCompile(`(?i)approve.*\[y/n\]`)

	planModeMarkers = []string{
		"plan mode on",
		"safe mode on",
		"⏸ plan mode",
		"exit plan mode",
		"ready to code?",
	}

	completionPhrases = []string{
		"work is complete",
		"pr created",
		"pull request created",
		"is there anything else",
		"let me know if",
		"task is complete",
	}

	// The empty input box of an idle REPL prompt.
	idlePromptRe = regexp.MustCompile(`(?m)^\s*[>│]\s*$|│\s*>\s*│`)
)

// Classify applies the rules in order; first match wins.
func Classify(buffer string) Classification {
	lower := strings.ToLower(buffer)

	// 1. Active generation beats everything: an interrupt hint or a spinner
	//    verb means the agent is mid-response.
	if containsAny(lower, activeWorkMarkers) || thinkingVerbRe.MatchString(buffer) {
		return Classification{State: Thinking}
	}

	// 2. Questions only a human can answer.
	if containsAny(lower, humanInputMarkers) || optionMenuRe.MatchString(lower) {
		return Classification{State: NeedsHumanInput, IsWaiting: true, NeedsHuman: true}
	}

	// 3. Tool-permission prompts (the manager auto-approves these).
	if containsAny(lower, permissionMarkers) || approvalPromptRe.MatchString(lower) {
		return Classification{State: PermissionRequired, IsWaiting: true}
	}

	// 4. Plan / safe mode needs a mode flip, not an answer.
	if containsAny(lower, planModeMarkers) {
		return Classification{State: PlanApproval, IsWaiting: true}
	}

	// 5. Empty prompt box with no processing underway.
	if idlePromptRe.MatchString(buffer) {
		return Classification{State: IdleAtPrompt, IsWaiting: true}
	}

	// 6. Completion phrases left on screen after finishing.
	if containsAny(lower, completionPhrases) {
		return Classification{State: IdleAtPrompt, IsWaiting: true}
	}

	// 7. Output is scrolling but nothing above matched.
	return Classification{State: ActivelyWorking}
}

// IsWaiting is a convenience for callers that only gate on waiting.
func IsWaiting(buffer string) bool {
	return Classify(buffer).IsWaiting
}

// NeedsBypassEnforcement reports whether the buffer shows any marker that
// calls for flipping the session back into bypass-permissions mode.
func NeedsBypassEnforcement(buffer string) bool {
	lower := strings.ToLower(buffer)
	if containsAny(lower, planModeMarkers) || containsAny(lower, permissionMarkers) {
		return true
	}
	return approvalPromptRe.MatchString(lower)
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
