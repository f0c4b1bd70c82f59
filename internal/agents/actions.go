package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/gas"
	"github.com/mbd888/defiagents/internal/idgen"
	"github.com/mbd888/defiagents/internal/metrics"
	"github.com/mbd888/defiagents/internal/notify"
	"github.com/mbd888/defiagents/internal/traces"
)

// DefaultActionLimit bounds action log listings.
const DefaultActionLimit = 50

func actionKey(addr string, t Type) string {
	return stateKey(addr, t) + "|actions"
}

// RunAction validates that the agent may act, records a pending action and
// executes it in the background. The returned action is the pending entry;
// its final status is published to subscribers.
func (s *Service) RunAction(ctx context.Context, address, agentType string, req ActionRequest) (*Action, error) {
	addr, t, err := normalize(address, agentType)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Action) == "" {
		return nil, ErrInvalidAction
	}

	settings, err := s.GetSettings(ctx, addr, string(t))
	if err != nil {
		return nil, err
	}
	if !settings.IsActive {
		return nil, ErrAgentInactive
	}

	if id := s.fetcher.ChainID(ctx); !chain.IsSupportedNetwork(id) {
		s.notifier.Notify(ctx, notify.Error("Unsupported network",
			fmt.Sprintf("%s cannot act on chain %d, switch to a supported network", t, id)).For(addr))
		return nil, fmt.Errorf("%w: chain %d", ErrUnsupportedNetwork, id)
	}
	if reading, known := gas.Ceiling(ctx, s.fetcher, settings.MaxGasFee); known && !reading.Acceptable {
		s.notifier.Notify(ctx, notify.Error("Gas price too high",
			fmt.Sprintf("Current gas price %.1f gwei exceeds your maximum of %.1f gwei", reading.Gwei, reading.MaxGwei)).For(addr))
		return nil, fmt.Errorf("%w: %.1f > %.1f gwei", ErrGasTooHigh, reading.Gwei, reading.MaxGwei)
	}

	a := &Action{
		ID:        idgen.WithPrefix("act_"),
		Timestamp: s.now().UTC(),
		Action:    req.Action,
		Details:   req.Details,
		Status:    StatusPending,
	}
	if err := s.store.AppendAction(ctx, addr, t, a); err != nil {
		return nil, fmt.Errorf("record action: %w", err)
	}
	metrics.AgentActionsTotal.WithLabelValues(string(t), string(StatusPending)).Inc()
	pending := *a
	s.publish(Update{Kind: UpdateAction, Address: addr, AgentType: t, Action: &pending})

	s.wg.Add(1)
	go s.execute(context.WithoutCancel(ctx), Execution{Address: addr, AgentType: t, Action: *a, Request: req})

	out := *a
	return &out, nil
}

func (s *Service) execute(ctx context.Context, ex Execution) {
	defer s.wg.Done()
	ctx, span := traces.StartSpan(ctx, "agents.execute", traces.WalletAddr(ex.Address), traces.AgentType(string(ex.AgentType)))
	defer span.End()

	hash, err := s.runExecutor(ctx, ex)
	s.complete(ctx, ex, hash, err)
}

func (s *Service) runExecutor(ctx context.Context, ex Execution) (hash string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: executor panicked: %v", ErrActionFailed, r)
		}
	}()
	return s.executor.Execute(ctx, ex)
}

func (s *Service) complete(ctx context.Context, ex Execution, hash string, execErr error) {
	a, ok := s.finish(ctx, ex, hash, execErr)
	if !ok {
		return
	}
	metrics.AgentActionsTotal.WithLabelValues(string(ex.AgentType), string(a.Status)).Inc()
	s.publish(Update{Kind: UpdateAction, Address: ex.Address, AgentType: ex.AgentType, Action: a})

	if a.Status == StatusCompleted {
		s.notifier.Notify(ctx, notify.Success("Agent action completed",
			fmt.Sprintf("%s: %s", ex.AgentType, a.Action)).For(ex.Address))
	} else {
		s.logger.Warn("agent action failed", "address", ex.Address, "agent_type", ex.AgentType, "action", a.Action, "error", execErr)
		s.notifier.Notify(ctx, notify.Error("Agent action failed",
			fmt.Sprintf("%s: %s failed: %v", ex.AgentType, a.Action, execErr)).For(ex.Address))
	}

	if _, err := s.RefreshAnalytics(ctx, ex.Address, string(ex.AgentType)); err != nil {
		s.logger.Warn("analytics refresh failed", "address", ex.Address, "agent_type", ex.AgentType, "error", err)
	}
}

// finish moves the stored action out of pending exactly once.
func (s *Service) finish(ctx context.Context, ex Execution, hash string, execErr error) (*Action, bool) {
	unlock := s.locks.Lock(actionKey(ex.Address, ex.AgentType))
	defer unlock()

	a, err := s.store.GetAction(ctx, ex.Address, ex.AgentType, ex.Action.ID)
	if err != nil {
		s.logger.Error("pending action vanished", "address", ex.Address, "action_id", ex.Action.ID, "error", err)
		return nil, false
	}
	to := StatusCompleted
	if execErr != nil {
		to = StatusFailed
	}
	if err := a.Transition(to); err != nil {
		s.logger.Error("refusing action status change", "action_id", a.ID, "from", a.Status, "to", to)
		return nil, false
	}
	a.TxHash = hash
	if err := s.store.UpdateAction(ctx, ex.Address, ex.AgentType, a); err != nil {
		s.logger.Error("failed to save action status", "action_id", a.ID, "error", err)
		return nil, false
	}
	return a, true
}

// ListActions returns the newest actions first.
func (s *Service) ListActions(ctx context.Context, address, agentType string, limit int) ([]*Action, error) {
	addr, t, err := normalize(address, agentType)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultActionLimit {
		limit = DefaultActionLimit
	}
	return s.store.ListActions(ctx, addr, t, limit)
}
