package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/notify"
	"github.com/mbd888/defiagents/internal/syncutil"
)

// DefaultPersistDelay simulates the latency of saving settings.
const DefaultPersistDelay = 1500 * time.Millisecond

// Listener receives agent updates.
type Listener func(Update)

type subscriber struct {
	id int
	fn Listener
}

// entry holds both settings phases for one (wallet, agent) pair.
type entry struct {
	local            Settings
	confirmed        Settings
	version          uint64 // bumped on every local change
	confirmedVersion uint64
	pending          int // persistence runs in flight
}

// Service owns agent state. Safe for concurrent use.
type Service struct {
	store        Store
	fetcher      *chain.Fetcher
	prices       PriceSource
	executor     Executor
	notifier     notify.Notifier
	logger       *slog.Logger
	persistDelay time.Duration
	now          func() time.Time

	locks syncutil.ShardedMutex
	wg    sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	subs    []subscriber
	nextSub int
}

// Option configures a Service.
type Option func(*Service)

// WithExecutor sets how actions are carried out.
func WithExecutor(e Executor) Option { return func(s *Service) { s.executor = e } }

// WithPriceSource sets the ETH/USD price used for analytics and positions.
func WithPriceSource(p PriceSource) Option { return func(s *Service) { s.prices = p } }

func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }

// WithPersistDelay sets the delay before a toggle is persisted.
func WithPersistDelay(d time.Duration) Option { return func(s *Service) { s.persistDelay = d } }

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates the agent service. A nil fetcher behaves like one with
// no provider: network and gas checks pass and balances read as zero.
func NewService(store Store, fetcher *chain.Fetcher, opts ...Option) *Service {
	if fetcher == nil {
		fetcher = chain.NewFetcher(nil)
	}
	s := &Service{
		store:        store,
		fetcher:      fetcher,
		prices:       staticPrice(0),
		executor:     NewSimulatedExecutor(DefaultSimulatedDelay, DefaultSuccessRate),
		notifier:     notify.Nop,
		logger:       slog.Default(),
		persistDelay: DefaultPersistDelay,
		now:          time.Now,
		entries:      make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalize(address, agentType string) (string, Type, error) {
	addr, err := chain.ParseAddress(address)
	if err != nil {
		return "", "", ErrInvalidAddress
	}
	t, err := ParseType(agentType)
	if err != nil {
		return "", "", err
	}
	return strings.ToLower(addr.Hex()), t, nil
}

func stateKey(addr string, t Type) string {
	return addr + "|" + string(t)
}

// Subscribe registers fn and returns its unsubscribe func. Listeners run
// synchronously in registration order.
func (s *Service) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *Service) publish(u Update) {
	s.mu.Lock()
	subs := append([]subscriber(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(u)
	}
}

// Wait blocks until background persistence and action executions finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// load returns the entry for (addr, t), creating default settings on first access.
func (s *Service) load(ctx context.Context, addr string, t Type) (*entry, error) {
	k := stateKey(addr, t)
	s.mu.Lock()
	e, ok := s.entries[k]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	unlock := s.locks.Lock(k)
	defer unlock()

	s.mu.Lock()
	e, ok = s.entries[k]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	var settings Settings
	stored, err := s.store.GetSettings(ctx, addr, t)
	switch {
	case err == nil:
		settings = *stored
	case errors.Is(err, ErrNotFound):
		settings = DefaultSettings(t)
		if err := s.store.PutSettings(ctx, addr, t, settings); err != nil {
			return nil, fmt.Errorf("save default settings: %w", err)
		}
		s.logger.Info("agent settings initialized", "address", addr, "agent_type", t)
	default:
		return nil, fmt.Errorf("load settings: %w", err)
	}

	e = &entry{local: settings.clone(), confirmed: settings.clone()}
	s.mu.Lock()
	s.entries[k] = e
	s.mu.Unlock()
	return e, nil
}

// GetSettings returns the visible (local) settings, creating defaults once.
func (s *Service) GetSettings(ctx context.Context, address, agentType string) (Settings, error) {
	addr, t, err := normalize(address, agentType)
	if err != nil {
		return Settings{}, err
	}
	e, err := s.load(ctx, addr, t)
	if err != nil {
		return Settings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.local.clone(), nil
}

// State returns both phases of the settings.
func (s *Service) State(ctx context.Context, address, agentType string) (SettingsState, error) {
	addr, t, err := normalize(address, agentType)
	if err != nil {
		return SettingsState{}, err
	}
	e, err := s.load(ctx, addr, t)
	if err != nil {
		return SettingsState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return SettingsState{
		Local:     e.local.clone(),
		Confirmed: e.confirmed.clone(),
		Synced:    e.pending == 0 && e.local.equal(e.confirmed),
	}, nil
}

// UpdateSettings applies patch and persists it before returning.
func (s *Service) UpdateSettings(ctx context.Context, address, agentType string, patch SettingsPatch) (Settings, error) {
	addr, t, err := normalize(address, agentType)
	if err != nil {
		return Settings{}, err
	}
	e, err := s.load(ctx, addr, t)
	if err != nil {
		return Settings{}, err
	}

	unlock := s.locks.Lock(stateKey(addr, t))
	s.mu.Lock()
	next, err := patch.apply(e.local)
	s.mu.Unlock()
	if err != nil {
		unlock()
		return Settings{}, err
	}
	if err := s.store.PutSettings(ctx, addr, t, next); err != nil {
		unlock()
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	s.mu.Lock()
	e.version++
	e.local, e.confirmed = next.clone(), next.clone()
	e.confirmedVersion = e.version
	s.mu.Unlock()
	unlock()

	s.publish(Update{Kind: UpdateSettings, Address: addr, AgentType: t, Settings: &next, Confirmed: true})
	return next.clone(), nil
}

// ToggleActive flips IsActive in the local phase, notifies subscribers, and
// persists in the background after the persist delay.
func (s *Service) ToggleActive(ctx context.Context, address, agentType string) (Settings, error) {
	addr, t, err := normalize(address, agentType)
	if err != nil {
		return Settings{}, err
	}
	e, err := s.load(ctx, addr, t)
	if err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	e.local.IsActive = !e.local.IsActive
	e.version++
	e.pending++
	local := e.local.clone()
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateSettings, Address: addr, AgentType: t, Settings: &local})

	s.wg.Add(1)
	go s.persist(context.WithoutCancel(ctx), addr, t, e)
	return local.clone(), nil
}

func (s *Service) persist(ctx context.Context, addr string, t Type, e *entry) {
	defer s.wg.Done()
	if s.persistDelay > 0 {
		time.Sleep(s.persistDelay)
	}

	if u, ok := s.persistLocked(ctx, addr, t, e); ok {
		s.publish(u)
	}
}

func (s *Service) persistLocked(ctx context.Context, addr string, t Type, e *entry) (Update, bool) {
	unlock := s.locks.Lock(stateKey(addr, t))
	defer unlock()

	s.mu.Lock()
	e.pending--
	snap, v := e.local.clone(), e.version
	done := v <= e.confirmedVersion
	s.mu.Unlock()
	if done {
		return Update{}, false
	}

	if err := s.store.PutSettings(ctx, addr, t, snap); err != nil {
		s.logger.Warn("agent settings persistence failed, reconciling", "address", addr, "agent_type", t, "error", err)
		local, ok := s.rollback(e, v)
		return Update{Kind: UpdateSettings, Address: addr, AgentType: t, Settings: &local, Confirmed: true}, ok
	}

	s.mu.Lock()
	e.confirmed = snap.clone()
	e.confirmedVersion = v
	s.mu.Unlock()
	s.logger.Debug("agent settings persisted", "address", addr, "agent_type", t, "active", snap.IsActive)

	return Update{Kind: UpdateSettings, Address: addr, AgentType: t, Settings: &snap, Confirmed: true}, true
}

// rollback restores the confirmed phase unless a newer local change exists.
// Caller holds the key lock.
func (s *Service) rollback(e *entry, v uint64) (Settings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.version != v || e.local.equal(e.confirmed) {
		return Settings{}, false
	}
	e.local = e.confirmed.clone()
	e.version++
	e.confirmedVersion = e.version
	return e.local.clone(), true
}

// Reconcile rolls the local phase back to the confirmed one when they have
// diverged and no persistence is in flight. It reports whether a rollback happened.
func (s *Service) Reconcile(ctx context.Context, address, agentType string) (bool, error) {
	addr, t, err := normalize(address, agentType)
	if err != nil {
		return false, err
	}
	e, err := s.load(ctx, addr, t)
	if err != nil {
		return false, err
	}

	unlock := s.locks.Lock(stateKey(addr, t))
	s.mu.Lock()
	pending, v := e.pending, e.version
	s.mu.Unlock()
	if pending > 0 {
		unlock()
		return false, nil
	}
	local, ok := s.rollback(e, v)
	unlock()

	if ok {
		s.publish(Update{Kind: UpdateSettings, Address: addr, AgentType: t, Settings: &local, Confirmed: true})
	}
	return ok, nil
}
