// Package classify decides what an agent response *is*: a finished answer, a
// question for the human, an external blocker, an error, or an intermediate
// status update. Only status updates are eligible for auto-continuation, and
// any uncertainty biases toward showing the human, never toward silently
// continuing.
package classify

import (
	"context"
	"fmt"
	"log/slog"
)

// Type is one of the five output classes.
type Type string

const (
	// TypeCompletion: task done, answer ready to deliver as-is.
	TypeCompletion Type = "completion"
	// TypeQuestion: requires a human decision; always delivered.
	TypeQuestion Type = "question"
	// TypeBlocker: external obstacle (credentials, access); always delivered.
	TypeBlocker Type = "blocker"
	// TypeError: failure surfaced to the user; always delivered.
	TypeError Type = "error"
	// TypeStatus: intermediate progress; eligible for auto-continuation.
	TypeStatus Type = "status"
)

// ConfidenceFloor is the threshold below which any classification resolves
// to question, regardless of the raw guess. Uncertainty must bias toward
// showing the human.
const ConfidenceFloor = 0.80

// Result is one classification.
type Result struct {
	Type       Type    `json:"type"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`

	// CoachingMessage is specific guidance for the next continuation round.
	// Populated only on status-typed results; generated in the same pass as
	// the classification so it can never drift out of sync.
	CoachingMessage string `json:"coaching_message,omitempty"`
}

// Input is the material handed to a classifier.
type Input struct {
	// Output is the raw agent response text.
	Output string

	// PlanContext is optional active-plan or skill context.
	PlanContext string
}

// Classifier classifies one agent response in a single pass.
type Classifier interface {
	Classify(ctx context.Context, in Input) (*Result, error)
}

// applyFloor enforces the low-confidence default. Below the floor the type
// becomes question and any coaching message is dropped, so a shaky guess can
// never trigger an unattended continuation.
func applyFloor(res *Result) *Result {
	if res.Confidence < ConfidenceFloor && res.Type != TypeQuestion {
		return &Result{
			Type:       TypeQuestion,
			Confidence: res.Confidence,
			Reason:     fmt.Sprintf("low confidence (%.2f) for %s, defaulting to question: %s", res.Confidence, res.Type, res.Reason),
		}
	}
	if res.Type != TypeStatus {
		res.CoachingMessage = ""
	}
	return res
}

// Fallback chains a primary classifier with the heuristic fallback: when the
// classification service is unavailable, the degraded path still applies the
// same default-to-question bias.
type Fallback struct {
	primary  Classifier
	fallback Classifier
	logger   *slog.Logger
}

// NewFallback builds the primary-then-heuristic chain.
func NewFallback(primary, fallback Classifier, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With("component", "classifier"),
	}
}

// Classify tries the primary classifier and degrades to the fallback on
// error. Both paths run through the confidence floor.
func (f *Fallback) Classify(ctx context.Context, in Input) (*Result, error) {
	if f.primary != nil {
		res, err := f.primary.Classify(ctx, in)
		if err == nil {
			return applyFloor(res), nil
		}
		f.logger.Warn("primary classifier unavailable, using heuristic fallback", "err", err)
	}
	res, err := f.fallback.Classify(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("fallback classifier: %w", err)
	}
	return applyFloor(res), nil
}
