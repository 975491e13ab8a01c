// Package decision is the contract with the external decision source: request
// and response shapes, parsing, the error taxonomy, and an HTTP client.
package decision

import (
	"context"

	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/promptctx"
)

type Request struct {
	Context promptctx.Context `json:"context"`
}

type Decision struct {
	Action       model.ActionType `json:"action"`
	Reasoning    string           `json:"reasoning"`
	TargetTileID model.TileID     `json:"targetTileId,omitempty"`
}

type Validity string

const (
	ValidityAccepted  Validity = "accepted"
	ValidityRewritten Validity = "rewritten"
)

type TokenUsage struct {
	RequestTokens  int `json:"requestTokens"`
	ResponseTokens int `json:"responseTokens"`
	TotalTokens    int `json:"totalTokens"`
}

type Observability struct {
	Provider         string     `json:"provider,omitempty"`
	LatencyMs        float64    `json:"latencyMs,omitempty"`
	TokenUsage       TokenUsage `json:"tokenUsage"`
	DecisionValidity Validity   `json:"decisionValidity,omitempty"`
	PolicyViolations []string   `json:"policyViolations,omitempty"`
}

type Response struct {
	Decision      Decision      `json:"decision"`
	Observability Observability `json:"observability"`
}

// Capability is the external decision source.
type Capability interface {
	Decide(ctx context.Context, req Request) (Response, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, req Request) (Response, error)

func (f CapabilityFunc) Decide(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
