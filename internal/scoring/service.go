package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/metrics"
	"github.com/mbd888/defiagents/internal/notify"
	"github.com/mbd888/defiagents/internal/syncutil"
)

// Listener observes every freshly generated score.
type Listener func(ctx context.Context, cs *CreditScore)

// Service serves stored snapshots and generates new ones on demand.
type Service struct {
	generator Generator
	store     Store
	notifier  notify.Notifier
	listeners []Listener
	logger    *slog.Logger
	locks     syncutil.ShardedMutex
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }

// WithListener registers a callback run after each generation.
func WithListener(l Listener) Option {
	return func(s *Service) { s.listeners = append(s.listeners, l) }
}

// NewService creates a scoring service.
func NewService(generator Generator, store Store, opts ...Option) *Service {
	s := &Service{
		generator: generator,
		store:     store,
		notifier:  notify.Nop,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the stored snapshot for address, generating one when none
// exists or refresh is set.
func (s *Service) Get(ctx context.Context, address string, refresh bool) (*CreditScore, error) {
	addr, err := chain.ParseAddress(address)
	if err != nil {
		return nil, ErrInvalidAddress
	}
	key := strings.ToLower(addr.Hex())

	unlock := s.locks.Lock(key)
	defer unlock()

	if !refresh {
		cs, err := s.store.Get(ctx, key)
		switch {
		case err == nil:
			metrics.CreditScoresTotal.WithLabelValues("cache").Inc()
			return cs, nil
		case !errors.Is(err, ErrNotFound):
			s.logger.Warn("credit score lookup failed, regenerating", "address", key, "error", err)
		}
	}

	cs := s.generator.Generate(ctx, key)
	if err := s.store.Upsert(ctx, cs); err != nil {
		s.logger.Error("failed to persist credit score", "address", key, "error", err)
	}

	s.notifier.Notify(ctx, notify.Success(
		"Credit score generated",
		fmt.Sprintf("Your credit score is %d (%s risk)", cs.Score, cs.RiskLevel),
	).For(key))
	for _, l := range s.listeners {
		l(ctx, cs)
	}
	return cs, nil
}
