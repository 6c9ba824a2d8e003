// heuristic.go is the pattern-based fallback classifier, used when the LLM
// classification service is unavailable. It is deliberately conservative:
// anything it cannot place with confidence lands on question, never status.
package classify

import (
	"context"
	"regexp"
	"strings"
)

// Heuristic is the no-LLM fallback classifier.
type Heuristic struct{}

// NewHeuristic creates the pattern-based classifier.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

var (
	// Approval gates read like completions ("ready to build") but require a
	// human go-ahead, so they are checked before completion markers.
	approvalGateRe = regexp.MustCompile(`(?i)\b(when approved|if you approve|awaiting (your )?approval|ready to \w+ when|need your (approval|go.?ahead|decision|confirmation)|should I proceed|want me to|shall I|let me know (if|whether|how))\b`)

	blockerRe = regexp.MustCompile(`(?i)\b(missing|need|invalid|expired|no)\s+(credentials?|api.?key|token|access|permission)|permission denied|access denied|not authorized|unauthorized|rate.?limit`)

	errorRe = regexp.MustCompile(`(?i)\b(error|failed|failure|exception|panic|traceback|fatal|cannot\s+\w+|could not\s+\w+)\b`)

	completionRe = regexp.MustCompile(`(?i)\b(done|completed?|finished|implemented|fixed|merged|deployed|all tests pass(ing)?|task is complete)\b`)

	// Progress markers must be strong before the heuristic dares to say
	// status; weak signals fall through to question.
	progressRe = regexp.MustCompile(`(?i)\b(still working|working on|in progress|next,? I('ll| will)|now I('ll| will)|about to|currently (running|building|testing)|so far)\b`)
)

// Classify applies the pattern rules in safety order: question and blocker
// cues win over everything, errors over completions, and status only on an
// unambiguous progress marker. The default is question.
func (h *Heuristic) Classify(_ context.Context, in Input) (*Result, error) {
	text := strings.TrimSpace(in.Output)
	if text == "" {
		return &Result{
			Type:       TypeError,
			Confidence: 0.9,
			Reason:     "empty output",
		}, nil
	}

	if approvalGateRe.MatchString(text) {
		return &Result{
			Type:       TypeQuestion,
			Confidence: 0.9,
			Reason:     "approval gate language detected",
		}, nil
	}
	if strings.HasSuffix(text, "?") || endsWithQuestion(text) {
		return &Result{
			Type:       TypeQuestion,
			Confidence: 0.9,
			Reason:     "response ends with a question",
		}, nil
	}
	if blockerRe.MatchString(text) {
		return &Result{
			Type:       TypeBlocker,
			Confidence: 0.85,
			Reason:     "external obstacle language detected",
		}, nil
	}
	if errorRe.MatchString(text) {
		return &Result{
			Type:       TypeError,
			Confidence: 0.85,
			Reason:     "failure language detected",
		}, nil
	}
	if completionRe.MatchString(text) {
		return &Result{
			Type:       TypeCompletion,
			Confidence: 0.85,
			Reason:     "completion marker detected",
		}, nil
	}
	if progressRe.MatchString(text) {
		return &Result{
			Type:       TypeStatus,
			Confidence: 0.8,
			Reason:     "explicit progress marker detected",
		}, nil
	}

	// Unclassifiable output goes to the human, not to auto-continuation.
	return &Result{
		Type:       TypeQuestion,
		Confidence: 0.5,
		Reason:     "no clear markers, defaulting to question",
	}, nil
}

// endsWithQuestion checks whether the final line of the response is a
// question, ignoring trailing markdown noise.
func endsWithQuestion(text string) bool {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(strings.Trim(lines[i], "*_-` "))
		if line == "" {
			continue
		}
		return strings.HasSuffix(line, "?")
	}
	return false
}
