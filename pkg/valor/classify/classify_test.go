package classify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
)

// stubClassifier returns a fixed result or error.
type stubClassifier struct {
	res *Result
	err error
}

func (s *stubClassifier) Classify(context.Context, Input) (*Result, error) {
	return s.res, s.err
}

func TestApplyFloorDefaultsToQuestion(t *testing.T) {
	t.Parallel()

	res := applyFloor(&Result{
		Type:            TypeStatus,
		Confidence:      0.6,
		Reason:          "might be progress",
		CoachingMessage: "keep verifying",
	})

	if res.Type != TypeQuestion {
		t.Errorf("low-confidence status must become question, got %s", res.Type)
	}
	if res.CoachingMessage != "" {
		t.Error("coaching must be dropped when the floor demotes to question")
	}
}

func TestApplyFloorKeepsConfidentResults(t *testing.T) {
	t.Parallel()

	res := applyFloor(&Result{
		Type:            TypeStatus,
		Confidence:      0.92,
		CoachingMessage: "show the test output",
	})
	if res.Type != TypeStatus || res.CoachingMessage == "" {
		t.Errorf("confident status must pass through intact, got %+v", res)
	}

	// Non-status types never carry coaching.
	res = applyFloor(&Result{
		Type:            TypeCompletion,
		Confidence:      0.95,
		CoachingMessage: "leftover",
	})
	if res.CoachingMessage != "" {
		t.Error("coaching on a non-status result must be cleared")
	}
}

func TestApplyFloorLowConfidenceQuestionStaysQuestion(t *testing.T) {
	t.Parallel()

	res := applyFloor(&Result{Type: TypeQuestion, Confidence: 0.3})
	if res.Type != TypeQuestion {
		t.Errorf("question below floor stays question, got %s", res.Type)
	}
}

func TestFallbackUsesPrimary(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	primary := &stubClassifier{res: &Result{Type: TypeCompletion, Confidence: 0.95}}
	fallback := &stubClassifier{res: &Result{Type: TypeError, Confidence: 0.9}}

	res, err := NewFallback(primary, fallback, logger).Classify(context.Background(), Input{Output: "done"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Type != TypeCompletion {
		t.Errorf("expected primary verdict, got %s", res.Type)
	}
}

func TestFallbackDegradesOnPrimaryError(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	primary := &stubClassifier{err: errors.New("api down")}
	chain := NewFallback(primary, NewHeuristic(), logger)

	res, err := chain.Classify(context.Background(), Input{Output: "All tests pass, the feature is implemented."})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Type != TypeCompletion {
		t.Errorf("heuristic fallback expected completion, got %s (%s)", res.Type, res.Reason)
	}
}

func TestFallbackAppliesFloorOnDegradedPath(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	primary := &stubClassifier{err: errors.New("api down")}
	fallback := &stubClassifier{res: &Result{Type: TypeStatus, Confidence: 0.5, CoachingMessage: "go on"}}

	res, err := NewFallback(primary, fallback, logger).Classify(context.Background(), Input{Output: "hm"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Type != TypeQuestion {
		t.Errorf("floor must also bind the fallback path, got %s", res.Type)
	}
}
