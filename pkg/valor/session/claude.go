// claude.go runs sessions through the Claude Code CLI as a subprocess,
// reading its stream-json output line by line. Every streamed event counts
// as a liveness signal for the watchdog.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultRunTimeout caps a single engine run. Coding tasks routinely take
// minutes; beyond this the job fails rather than being silently retried.
const DefaultRunTimeout = 20 * time.Minute

// ClaudeConfig configures the subprocess engine.
type ClaudeConfig struct {
	// Binary is the agent CLI binary (default "claude").
	Binary string `yaml:"binary"`

	// Model overrides the CLI's default model (empty = CLI default).
	Model string `yaml:"model"`

	// TimeoutSeconds is the hard per-run timeout (default 1200).
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// ExtraArgs are appended verbatim to every invocation.
	ExtraArgs []string `yaml:"extra_args"`
}

// ClaudeEngine is the production Engine: one CLI subprocess per run.
type ClaudeEngine struct {
	cfg      ClaudeConfig
	activity *ActivityLog
	logger   *slog.Logger
}

// NewClaudeEngine creates the subprocess engine. activity may be nil when no
// watchdog is wired.
func NewClaudeEngine(cfg ClaudeConfig, activity *ActivityLog, logger *slog.Logger) *ClaudeEngine {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = int(DefaultRunTimeout / time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeEngine{
		cfg:      cfg,
		activity: activity,
		logger:   logger.With("component", "engine"),
	}
}

// streamEvent is one line of the CLI's stream-json output. Only the fields
// the runner needs are decoded.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
}

// Run spawns the CLI and captures its result. Timeouts and crashes surface
// as RawOutput.EngineFailed, never as classifiable text.
func (e *ClaudeEngine) Run(ctx context.Context, req Request) (*RawOutput, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is empty")
	}

	timeout := time.Duration(e.cfg.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Resume {
		args = append(args, "--resume", req.SessionID)
	} else {
		args = append(args, "--session-id", req.SessionID)
	}
	if e.cfg.Model != "" {
		args = append(args, "--model", e.cfg.Model)
	}
	args = append(args, e.cfg.ExtraArgs...)

	cmd := exec.CommandContext(runCtx, e.cfg.Binary, args...)
	cmd.Dir = req.WorkingDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdout: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.cfg.Binary, err)
	}

	e.logger.Debug("engine run started",
		"session", req.SessionID,
		"resume", req.Resume,
		"working_dir", req.WorkingDir,
	)
	if e.activity != nil {
		e.activity.Begin(req.SessionID)
		defer e.activity.End(req.SessionID)
	}

	var (
		assistantText strings.Builder
		out           = &RawOutput{}
		gotResult     bool
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if e.activity != nil {
			e.activity.Touch(req.SessionID)
		}

		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // Non-JSON noise on stdout is ignored.
		}

		switch ev.Type {
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type == "text" && block.Text != "" {
					assistantText.WriteString(block.Text)
				}
			}
		case "result":
			gotResult = true
			out.CostUSD = ev.TotalCostUSD
			out.NumTurns = ev.NumTurns
			if ev.IsError {
				out.EngineFailed = true
				out.FailureReason = firstNonEmpty(ev.Result, "engine reported an error result")
				if e.activity != nil {
					e.activity.RecordError(req.SessionID)
				}
			} else if ev.Result != "" {
				out.Text = ev.Result
			}
		}
	}

	waitErr := cmd.Wait()
	out.Duration = time.Since(start)
	if out.Text == "" {
		out.Text = assistantText.String()
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.EngineFailed = true
		out.FailureReason = fmt.Sprintf("session timed out after %s", timeout)
	case waitErr != nil && !gotResult:
		out.EngineFailed = true
		out.FailureReason = fmt.Sprintf("engine exited: %v", waitErr)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			out.FailureReason += ": " + truncate(msg, 400)
		}
	case !gotResult && strings.TrimSpace(out.Text) == "":
		out.EngineFailed = true
		out.FailureReason = "engine produced no result"
	}

	if out.EngineFailed {
		e.logger.Warn("engine run failed",
			"session", req.SessionID,
			"reason", out.FailureReason,
			"duration", out.Duration.String(),
		)
	} else {
		e.logger.Info("engine run finished",
			"session", req.SessionID,
			"turns", out.NumTurns,
			"cost_usd", out.CostUSD,
			"duration", out.Duration.String(),
		)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
