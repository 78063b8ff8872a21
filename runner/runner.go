// Package runner orchestrates paid skill execution: every run is guarded,
// gated on a settled invoice, executed, and recorded as a signed receipt
// before the result is returned.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/anushkasomani/agentrunner/guard"
	"github.com/anushkasomani/agentrunner/receipt"
)

var (
	// ErrUnknownSkill signals a run request for an unregistered skill.
	ErrUnknownSkill = errors.New("runner: unknown skill")
	// ErrGuardRejected signals a run blocked by a FAIL guard verdict.
	ErrGuardRejected = errors.New("runner: guard rejected")
	// ErrPaymentRequired signals a run attempted against an unpaid invoice.
	ErrPaymentRequired = errors.New("runner: invoice not paid")
)

// Request is one skill run: the task identity, the invoice gating it, and
// the skill's raw inputs.
type Request struct {
	TaskID    string         `json:"task_id"`
	InvoiceID string         `json:"invoice_id"`
	Agent     string         `json:"agent"`
	Inputs    map[string]any `json:"inputs"`
	Config    guard.Config   `json:"config"`
}

// Result is what an executor produces; the orchestrator folds it into the
// signed receipt.
type Result struct {
	Outputs   map[string]any
	Protocols []string
	Fees      receipt.Fees
	CostUSD   string
}

// Executor runs one skill. Legs exposes the swaps the run would perform so
// the orchestrator can guard each one before any execution happens.
type Executor interface {
	Legs(req Request) ([]guard.SwapParams, error)
	Execute(ctx context.Context, req Request, verdict guard.Verdict) (Result, error)
}

// Registry maps skill names to executors. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{byKey: map[string]Executor{}}
}

func (r *Registry) Register(name string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[name] = e
}

func (r *Registry) Lookup(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}
	return e, nil
}

// Skills returns the registered skill names, sorted.
func (r *Registry) Skills() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byKey))
	for name := range r.byKey {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeInputs maps a raw inputs object onto an executor's typed params.
func decodeInputs(inputs map[string]any, dst any) error {
	raw, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("runner: marshal inputs: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("runner: decode inputs: %w", err)
	}
	return nil
}
