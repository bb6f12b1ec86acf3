// Package policy evaluates privileged meeting actions against a Rego
// policy. The embedded policy allows the owner and staff; POLICY_FILE can
// replace it without a rebuild.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
	"github.com/felixgeelhaar/interpreta/internal/shared/infrastructure/security"
)

const query = "data.interpreta.access.allow"

//go:embed access.rego
var defaultPolicy string

// OPA implements domain.AccessPolicy. The query is prepared once.
type OPA struct {
	prepared rego.PreparedEvalQuery
	logger   *slog.Logger
}

// New compiles the embedded policy, or the file at path when it is set.
func New(ctx context.Context, path string, logger *slog.Logger) (*OPA, error) {
	source, name := defaultPolicy, "access.rego"
	if path != "" {
		raw, err := security.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		source, name = string(raw), path
	}
	return compile(ctx, name, source, logger)
}

func compile(ctx context.Context, name, source string, logger *slog.Logger) (*OPA, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(name, source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile access policy: %w", err)
	}
	return &OPA{prepared: prepared, logger: logger.With("component", "policy")}, nil
}

// Allow reports whether req is permitted. An undefined result denies.
func (o *OPA) Allow(ctx context.Context, req domain.AccessRequest) (bool, error) {
	rs, err := o.prepared.Eval(ctx, rego.EvalInput(input(req)))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate access policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		o.logger.Warn("access policy returned a non-boolean", "action", req.Action, "value", rs[0].Expressions[0].Value)
		return false, nil
	}
	return allowed, nil
}

// HealthCheck evaluates a fixed request so a broken override shows up in
// readiness rather than on the first privileged action.
func (o *OPA) HealthCheck(ctx context.Context) error {
	_, err := o.Allow(ctx, domain.AccessRequest{Action: domain.ActionEndSession, OwnerID: uuid.New()})
	return err
}

func input(req domain.AccessRequest) map[string]any {
	return map[string]any{
		"action": req.Action,
		"actor": map[string]any{
			"id":    idString(req.ActorID),
			"staff": req.ActorIsStaff,
		},
		"meeting": map[string]any{
			"id":       idString(req.MeetingID),
			"owner_id": idString(req.OwnerID),
			"status":   string(req.Status),
		},
	}
}

func idString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
