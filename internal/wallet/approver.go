package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/defiagents/internal/idgen"
)

// PromptKind is what the user is being asked to approve.
type PromptKind string

const (
	PromptConnect     PromptKind = "connect"
	PromptTransaction PromptKind = "transaction"
)

// Prompt is a pending user decision.
type Prompt struct {
	ID        string     `json:"id"`
	Kind      PromptKind `json:"kind"`
	Account   string     `json:"account"`
	To        string     `json:"to,omitempty"`
	Value     string     `json:"value,omitempty"` // ETH
	CreatedAt time.Time  `json:"createdAt"`
}

// Approver decides wallet prompts on the user's behalf.
type Approver interface {
	Approve(ctx context.Context, p Prompt) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, p Prompt) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, p Prompt) (bool, error) { return f(ctx, p) }

// AutoApprove accepts every prompt.
var AutoApprove Approver = ApproverFunc(func(context.Context, Prompt) (bool, error) { return true, nil })

// DenyAll rejects every prompt.
var DenyAll Approver = ApproverFunc(func(context.Context, Prompt) (bool, error) { return false, nil })

// PromptQueue parks prompts until an operator resolves them, e.g. over HTTP.
type PromptQueue struct {
	mu      sync.Mutex
	pending map[string]*queued
}

type queued struct {
	prompt Prompt
	answer chan bool
}

var _ Approver = (*PromptQueue)(nil)

// NewPromptQueue creates an empty queue.
func NewPromptQueue() *PromptQueue {
	return &PromptQueue{pending: make(map[string]*queued)}
}

// Approve blocks until Resolve is called for the prompt or ctx ends.
func (q *PromptQueue) Approve(ctx context.Context, p Prompt) (bool, error) {
	p.ID = idgen.WithPrefix("prm_")
	p.CreatedAt = time.Now().UTC()
	item := &queued{prompt: p, answer: make(chan bool, 1)}

	q.mu.Lock()
	q.pending[p.ID] = item
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, p.ID)
		q.mu.Unlock()
	}()

	select {
	case ok := <-item.answer:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Pending lists unresolved prompts, oldest first.
func (q *PromptQueue) Pending() []Prompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Prompt, 0, len(q.pending))
	for _, item := range q.pending {
		out = append(out, item.prompt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Resolve answers a pending prompt. It reports false when id is unknown.
func (q *PromptQueue) Resolve(id string, approved bool) bool {
	q.mu.Lock()
	item, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.mu.Unlock()
	if !ok {
		return false
	}
	item.answer <- approved
	return true
}
