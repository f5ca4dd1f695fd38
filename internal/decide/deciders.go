package decide

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// AssessmentDecider expects {action, command}.
type AssessmentDecider struct {
	Client Completer
}

// Decide implements Decider.
func (d *AssessmentDecider) Decide(ctx context.Context, prompt string) (Decision, error) {
	raw, err := d.Client.Complete(ctx, assessmentInstructions, prompt+"\nTask:\nReturn JSON with fields: action, command.", assessmentSchema)
	if err != nil {
		return Decision{}, err
	}
	var resp assessmentResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Decision{}, fmt.Errorf("parse assessment: %w", err)
	}

	var dec Decision
	switch strings.ToLower(strings.TrimSpace(resp.Action)) {
	case "continue":
		dec = Decision{Proceed: true, Command: strings.TrimSpace(resp.Command)}
	case "stop":
		dec = Decision{}
	default:
		return Decision{}, fmt.Errorf("parse assessment: unknown action %q", resp.Action)
	}
	decideLog.Debug("assessment", slog.String("action", resp.Action), slog.Bool("has_command", dec.Command != ""))
	return dec, nil
}

// DirectiveDecider expects {command, achieved}. An empty command means done.
type DirectiveDecider struct {
	Client Completer
}

// Decide implements Decider.
func (d *DirectiveDecider) Decide(ctx context.Context, prompt string) (Decision, error) {
	raw, err := d.Client.Complete(ctx, directiveInstructions, prompt+"\nTask:\nReturn JSON with fields: command, achieved.", directiveSchema)
	if err != nil {
		return Decision{}, err
	}
	var resp directiveResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Decision{}, fmt.Errorf("parse directive: %w", err)
	}

	cmd := strings.TrimSpace(resp.Command)
	dec := Decision{Proceed: !resp.Achieved && cmd != "", Command: cmd}
	if !dec.Proceed {
		dec.Command = ""
	}
	decideLog.Debug("directive", slog.Bool("achieved", resp.Achieved), slog.Bool("has_command", cmd != ""))
	return dec, nil
}
