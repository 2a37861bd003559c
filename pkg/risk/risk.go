// Package risk implements the hybrid heuristic + remote-model risk scorer
// (L5, spec.md §4.4): a pure function from (tool, args) to a score in
// [0,1], combined as max(model, heuristic) so the heuristic floor can never
// be scored down by an uncertain model.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Level is the bucketed severity of a score. spec.md §4.4 defines two
// disagreeing bucket tables at [0.8, 0.9); SPEC_FULL.md §9 resolves the
// conflict: Level uses the machine-readable table (authoritative for the
// verdict and ledger), LogSeverity uses the human-readable one
// (authoritative for log lines only).
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelHigh     Level = "HIGH"
	LevelMedium   Level = "MEDIUM"
	LevelLow      Level = "LOW"
)

// BucketLevel is the machine-readable table: >=0.9 Critical, >=0.7 High,
// >=0.4 Medium, else Low.
func BucketLevel(score float64) Level {
	switch {
	case score >= 0.9:
		return LevelCritical
	case score >= 0.7:
		return LevelHigh
	case score >= 0.4:
		return LevelMedium
	default:
		return LevelLow
	}
}

// LogSeverity is the human-readable table used only for log lines:
// >=0.8 CRITICAL, >=0.6 HIGH, >=0.4 MEDIUM, >=0.2 LOW, else MINIMAL.
func LogSeverity(score float64) string {
	switch {
	case score >= 0.8:
		return "CRITICAL"
	case score >= 0.6:
		return "HIGH"
	case score >= 0.4:
		return "MEDIUM"
	case score >= 0.2:
		return "LOW"
	default:
		return "MINIMAL"
	}
}

// Assessment is the result attached to a Verdict.
type Assessment struct {
	Score           float64  `json:"score"`
	Level           Level    `json:"level"`
	Threats         []string `json:"threats,omitempty"`
	ModelUnavailable bool    `json:"-"`
}

// Scorer evaluates intents. Model is optional; a nil or failing model call
// falls back to the heuristic score alone (spec.md §4.4).
type Scorer struct {
	ModelURL string
	Client   *http.Client
}

func NewScorer(modelURL string) *Scorer {
	return &Scorer{
		ModelURL: modelURL,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

type modelRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

type modelResponse struct {
	RiskScore float64 `json:"risk_score"`
	RiskLevel string  `json:"risk_level"`
	Reason    string  `json:"reason"`
}

// Score computes the final score for a tool call: max(model, heuristic).
// Model output is used only for the numeric score and is never persisted to
// the ledger (privacy, spec.md §4.4); only trace logs see it.
func (s *Scorer) Score(ctx context.Context, tool string, args map[string]interface{}) Assessment {
	heuristic := heuristicScore(tool, args)

	modelScore, err := s.scoreWithModel(ctx, tool, args)
	final := heuristic
	modelUnavailable := true
	if err == nil {
		modelUnavailable = false
		if modelScore > final {
			final = modelScore
		}
		slog.Debug("risk score", "tool", tool, "model", modelScore, "heuristic", heuristic, "final", final)
	} else {
		slog.Warn("risk model unavailable, using heuristic only", "tool", tool, "error", err)
	}

	return Assessment{
		Score:            final,
		Level:            BucketLevel(final),
		ModelUnavailable: modelUnavailable,
	}
}

func (s *Scorer) scoreWithModel(ctx context.Context, tool string, args map[string]interface{}) (float64, error) {
	if s.ModelURL == "" {
		return 0, fmt.Errorf("risk: no model URL configured")
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, err := json.Marshal(modelRequest{Method: tool, Params: args})
	if err != nil {
		return 0, fmt.Errorf("risk: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.ModelURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("risk: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("risk: model call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("risk: model returned status %d", resp.StatusCode)
	}

	var mr modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return 0, fmt.Errorf("risk: decode model response: %w", err)
	}
	return mr.RiskScore, nil
}

// heuristicScore implements the pattern table from spec.md §4.4, grounded
// byte-for-byte on the original risk_scorer.rs heuristics.
func heuristicScore(tool string, args map[string]interface{}) float64 {
	switch tool {
	case "execute_command":
		return scoreCommand(stringField(args, "command"))
	case "write_file":
		return scoreFileWrite(stringField(args, "path"), stringField(args, "content"))
	case "read_file":
		return scoreFileRead(stringField(args, "path"))
	default:
		return 0.1
	}
}

func stringField(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func scoreCommand(cmd string) float64 {
	if cmd == "" {
		return 0.2
	}
	lower := strings.ToLower(cmd)

	if (strings.Contains(lower, "curl") || strings.Contains(lower, "wget")) &&
		(strings.Contains(lower, "| bash") || strings.Contains(lower, "| sh")) {
		return 0.95
	}
	if strings.Contains(lower, "wget") || strings.Contains(lower, "curl") {
		if strings.Contains(lower, ".sh") || strings.Contains(lower, ".py") {
			return 0.85
		}
		return 0.70
	}
	if strings.HasPrefix(lower, "chmod 777") || strings.Contains(lower, "chmod -r 777") {
		return 0.90
	}
	if strings.Contains(lower, "nc ") || strings.Contains(lower, "netcat") {
		return 0.60
	}
	if strings.Contains(lower, "tar ") && strings.Contains(lower, "-c") {
		return 0.50
	}
	return 0.20
}

func scoreFileWrite(path, content string) float64 {
	score := 0.1

	if path != "" {
		lower := strings.ToLower(path)
		if strings.HasPrefix(lower, "/etc") || strings.HasPrefix(lower, "/usr/bin") {
			score = max(score, 0.95)
		}
		if strings.Contains(lower, ".ssh/") || strings.Contains(lower, ".bashrc") {
			score = max(score, 0.70)
		}
	}

	if content != "" {
		lower := strings.ToLower(content)
		if strings.Contains(content, "BEGIN RSA PRIVATE KEY") ||
			strings.Contains(content, "BEGIN OPENSSH PRIVATE KEY") ||
			strings.Contains(content, "BEGIN EC PRIVATE KEY") {
			score = max(score, 0.95)
		}
		if strings.Contains(lower, "password") && strings.Contains(lower, "=") {
			score = max(score, 0.80)
		}
		if strings.Contains(content, "#!/bin/bash") || strings.Contains(content, "#!/bin/sh") {
			if strings.Contains(lower, "curl") || strings.Contains(lower, "wget") {
				score = max(score, 0.75)
			}
		}
	}

	return score
}

func scoreFileRead(path string) float64 {
	if path == "" {
		return 0.1
	}
	lower := strings.ToLower(path)
	if strings.Contains(lower, ".env") || strings.Contains(lower, "credentials") {
		return 0.6
	}
	if strings.Contains(lower, ".ssh/id_") {
		return 0.7
	}
	return 0.1
}
