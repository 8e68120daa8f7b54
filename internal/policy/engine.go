// Package policy decides whether a principal may join a session.
package policy

import (
	"context"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pkg/errors"
)

const query = "data.whiteboard.admission.decision"

// Decisions a policy may return.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// ErrDenied is returned by Admit when the policy refuses the join.
var ErrDenied = errors.New("access denied")

// Input is the document the policy is evaluated against.
type Input struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	SessionID     string `json:"session_id"`
	MemberCount   int    `json:"member_count"`
	MaxMembers    int    `json:"max_members"`
	AlreadyMember bool   `json:"already_member"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles policyContent.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query(query),
		rego.Module("admission.rego", policyContent),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare rego")
	}
	return &Engine{query: prepared}, nil
}

// NewEngineFromFile compiles the policy at path, or DefaultPolicy when path
// is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read policy %s", path)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate returns the decision for input. An undefined decision is allow.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", errors.Wrap(err, "failed to evaluate policy")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "", errors.Errorf("unexpected decision type %T", results[0].Expressions[0].Value)
}

// Admit returns ErrDenied unless the policy allows input.
func (e *Engine) Admit(ctx context.Context, input Input) error {
	decision, err := e.Evaluate(ctx, input)
	if err != nil {
		return err
	}
	if decision != DecisionAllow {
		return errors.Wrapf(ErrDenied, "decision %q", decision)
	}
	return nil
}

// DefaultPolicy caps session size when max_members is set.
const DefaultPolicy = `
package whiteboard.admission

import rego.v1

default decision := "allow"

decision := "deny" if {
	input.max_members > 0
	not input.already_member
	input.member_count >= input.max_members
}
`
