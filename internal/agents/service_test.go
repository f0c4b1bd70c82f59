package agents

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/chain/chaintest"
	"github.com/mbd888/defiagents/internal/notify"
)

const testAddr = "0x1111111111111111111111111111111111111111"

var fixed = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// flakyStore fails settings writes once armed.
type flakyStore struct {
	*MemoryStore
	failPuts atomic.Bool
	puts     atomic.Int32
}

func (f *flakyStore) PutSettings(ctx context.Context, addr string, t Type, s Settings) error {
	f.puts.Add(1)
	if f.failPuts.Load() {
		return errors.New("disk on fire")
	}
	return f.MemoryStore.PutSettings(ctx, addr, t, s)
}

type updateLog struct {
	mu  sync.Mutex
	all []Update
}

func (l *updateLog) add(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, u)
}

func (l *updateLog) snapshot() []Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Update(nil), l.all...)
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func okExecutor(hash string) Executor {
	return ExecutorFunc(func(context.Context, Execution) (string, error) { return hash, nil })
}

func newTestService(t *testing.T, p chain.Provider, opts ...Option) (*Service, *flakyStore, *notify.Recorder, *updateLog) {
	t.Helper()
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	rec := &notify.Recorder{}
	base := []Option{
		WithPersistDelay(0),
		WithNotifier(rec),
		WithClock(func() time.Time { return fixed }),
		WithExecutor(okExecutor("0xabc")),
	}
	var fetcher *chain.Fetcher
	if p != nil {
		fetcher = chain.NewFetcher(p, chain.WithReadTimeout(200*time.Millisecond))
	}
	svc := NewService(store, fetcher, append(base, opts...)...)
	log := &updateLog{}
	svc.Subscribe(log.add)
	t.Cleanup(svc.Wait)
	return svc, store, rec, log
}

func activate(t *testing.T, svc *Service, agentType Type) {
	t.Helper()
	s, err := svc.ToggleActive(context.Background(), testAddr, string(agentType))
	require.NoError(t, err)
	require.True(t, s.IsActive)
	svc.Wait()
}

func TestGetSettings_DefaultsCreatedOnce(t *testing.T) {
	svc, store, _, _ := newTestService(t, nil)
	ctx := context.Background()

	s1, err := svc.GetSettings(ctx, testAddr, "yield-farmer")
	require.NoError(t, err)
	s2, err := svc.GetSettings(ctx, "0X1111111111111111111111111111111111111111", "Yield-Farmer")
	require.NoError(t, err)

	assert.Equal(t, DefaultSettings(TypeYieldFarmer), s1)
	assert.Equal(t, s1, s2)
	assert.False(t, s1.IsActive)
	assert.Equal(t, float64(80), s1.MaxGasFee)
	assert.Equal(t, int32(1), store.puts.Load())
}

func TestGetSettings_Validation(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.GetSettings(ctx, "not-an-address", "auto-lender")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = svc.GetSettings(ctx, testAddr, "day-trader")
	assert.ErrorIs(t, err, ErrUnknownAgentType)
}

func TestGetSettings_ReturnsCopy(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	s, err := svc.GetSettings(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	s.Platforms[0] = "mutated"

	again, err := svc.GetSettings(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	assert.Equal(t, "Aave", again.Platforms[0])
}

func TestUpdateSettings(t *testing.T) {
	svc, store, _, log := newTestService(t, nil)
	ctx := context.Background()

	high := RiskHigh
	maxGas := 25.0
	s, err := svc.UpdateSettings(ctx, testAddr, "auto-lender", SettingsPatch{RiskTolerance: &high, MaxGasFee: &maxGas})
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, s.RiskTolerance)
	assert.Equal(t, 25.0, s.MaxGasFee)
	assert.Equal(t, []string{"Aave", "Compound"}, s.Platforms)

	stored, err := store.GetSettings(ctx, testAddr, TypeAutoLender)
	require.NoError(t, err)
	assert.Equal(t, s, *stored)

	st, err := svc.State(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	assert.True(t, st.Synced)

	updates := log.snapshot()
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Confirmed)
}

func TestUpdateSettings_Invalid(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	bogus := RiskTolerance("yolo")
	_, err := svc.UpdateSettings(ctx, testAddr, "auto-lender", SettingsPatch{RiskTolerance: &bogus})
	assert.ErrorIs(t, err, ErrInvalidSettings)

	neg := -1.0
	_, err = svc.UpdateSettings(ctx, testAddr, "auto-lender", SettingsPatch{MaxGasFee: &neg})
	assert.ErrorIs(t, err, ErrInvalidSettings)
}

func TestToggleActive_LocalBeforeConfirmed(t *testing.T) {
	svc, store, _, log := newTestService(t, nil, WithPersistDelay(50*time.Millisecond))
	ctx := context.Background()

	s, err := svc.ToggleActive(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	assert.True(t, s.IsActive)

	st, err := svc.State(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	assert.True(t, st.Local.IsActive)
	assert.False(t, st.Confirmed.IsActive)
	assert.False(t, st.Synced)

	svc.Wait()

	st, err = svc.State(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	assert.True(t, st.Confirmed.IsActive)
	assert.True(t, st.Synced)

	stored, err := store.GetSettings(ctx, testAddr, TypeAutoLender)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)

	updates := log.snapshot()
	require.Len(t, updates, 2)
	assert.False(t, updates[0].Confirmed)
	assert.True(t, updates[1].Confirmed)
}

func TestToggleActive_TwiceRestoresOriginal(t *testing.T) {
	svc, store, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.ToggleActive(ctx, testAddr, "risk-analyzer")
	require.NoError(t, err)
	s, err := svc.ToggleActive(ctx, testAddr, "risk-analyzer")
	require.NoError(t, err)
	assert.False(t, s.IsActive)
	svc.Wait()

	st, err := svc.State(ctx, testAddr, "risk-analyzer")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(TypeRiskAnalyzer), st.Local)
	assert.True(t, st.Synced)

	stored, err := store.GetSettings(ctx, testAddr, TypeRiskAnalyzer)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestToggleActive_PersistFailureReconciles(t *testing.T) {
	svc, store, _, log := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.GetSettings(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	store.failPuts.Store(true)

	s, err := svc.ToggleActive(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	assert.True(t, s.IsActive)
	svc.Wait()

	st, err := svc.State(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	assert.False(t, st.Local.IsActive)
	assert.True(t, st.Synced)

	updates := log.snapshot()
	require.Len(t, updates, 2)
	assert.True(t, updates[0].Settings.IsActive)
	assert.True(t, updates[1].Confirmed)
	assert.False(t, updates[1].Settings.IsActive)
}

func TestReconcile(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()

	rolledBack, err := svc.Reconcile(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	assert.False(t, rolledBack)

	// Force divergence without a persistence run in flight.
	e, err := svc.load(ctx, testAddr, TypeAutoLender)
	require.NoError(t, err)
	svc.mu.Lock()
	e.local.IsActive = true
	e.version++
	svc.mu.Unlock()

	rolledBack, err = svc.Reconcile(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	assert.True(t, rolledBack)

	s, err := svc.GetSettings(ctx, testAddr, "auto-lender")
	require.NoError(t, err)
	assert.False(t, s.IsActive)
}

func TestRunAction_Completes(t *testing.T) {
	p := chaintest.New(11155111)
	svc, store, rec, log := newTestService(t, p, WithPriceSource(staticPrice(2000)))
	ctx := context.Background()
	activate(t, svc, TypeAutoLender)

	a, err := svc.RunAction(ctx, testAddr, "auto-lender", ActionRequest{Action: "Rebalance portfolio", Details: "move to Aave"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, fixed, a.Timestamp)
	assert.Regexp(t, `^act_[0-9a-f]{24}$`, a.ID)
	svc.Wait()

	got, err := store.GetAction(ctx, testAddr, TypeAutoLender, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "0xabc", got.TxHash)
	assert.Equal(t, 1, rec.Count(notify.LevelSuccess))

	analytics, err := store.GetAnalytics(ctx, testAddr, TypeAutoLender)
	require.NoError(t, err)
	require.NotNil(t, analytics.LastRebalance)
	assert.Equal(t, fixed, *analytics.LastRebalance)

	var actionUpdates []Status
	for _, u := range log.snapshot() {
		if u.Kind == UpdateAction {
			actionUpdates = append(actionUpdates, u.Action.Status)
		}
	}
	assert.Equal(t, []Status{StatusPending, StatusCompleted}, actionUpdates)
}

func TestRunAction_Fails(t *testing.T) {
	boom := ExecutorFunc(func(context.Context, Execution) (string, error) {
		return "", errors.New("reverted")
	})
	svc, store, rec, _ := newTestService(t, nil, WithExecutor(boom))
	ctx := context.Background()
	activate(t, svc, TypeYieldFarmer)

	a, err := svc.RunAction(ctx, testAddr, "yield-farmer", ActionRequest{Action: "Harvest"})
	require.NoError(t, err)
	svc.Wait()

	got, err := store.GetAction(ctx, testAddr, TypeYieldFarmer, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Empty(t, got.TxHash)
	assert.Equal(t, 1, rec.Count(notify.LevelError))
}

func TestRunAction_ExecutorPanicFails(t *testing.T) {
	panicky := ExecutorFunc(func(context.Context, Execution) (string, error) { panic("nope") })
	svc, store, _, _ := newTestService(t, nil, WithExecutor(panicky))
	ctx := context.Background()
	activate(t, svc, TypeAutoLender)

	a, err := svc.RunAction(ctx, testAddr, "auto-lender", ActionRequest{Action: "Lend"})
	require.NoError(t, err)
	svc.Wait()

	got, err := store.GetAction(ctx, testAddr, TypeAutoLender, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestRunAction_StatusChangesOnce(t *testing.T) {
	svc, store, _, _ := newTestService(t, nil)
	ctx := context.Background()
	activate(t, svc, TypeAutoLender)

	a, err := svc.RunAction(ctx, testAddr, "auto-lender", ActionRequest{Action: "Lend"})
	require.NoError(t, err)
	svc.Wait()

	ex := Execution{Address: testAddr, AgentType: TypeAutoLender, Action: *a}
	_, ok := svc.finish(ctx, ex, "", errors.New("late failure"))
	assert.False(t, ok)

	got, err := store.GetAction(ctx, testAddr, TypeAutoLender, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestRunAction_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive", func(t *testing.T) {
		svc, _, _, _ := newTestService(t, nil)
		_, err := svc.RunAction(ctx, testAddr, "auto-lender", ActionRequest{Action: "Lend"})
		assert.ErrorIs(t, err, ErrAgentInactive)
	})

	t.Run("empty action", func(t *testing.T) {
		svc, _, _, _ := newTestService(t, nil)
		_, err := svc.RunAction(ctx, testAddr, "auto-lender", ActionRequest{Action: "  "})
		assert.ErrorIs(t, err, ErrInvalidAction)
	})

	t.Run("unsupported network", func(t *testing.T) {
		svc, store, rec, _ := newTestService(t, chaintest.New(137))
		activate(t, svc, TypeAutoLender)
		_, err := svc.RunAction(ctx, testAddr, "auto-lender", ActionRequest{Action: "Lend"})
		assert.ErrorIs(t, err, ErrUnsupportedNetwork)
		assert.Equal(t, 1, rec.Count(notify.LevelError))

		actions, err := store.ListActions(ctx, testAddr, TypeAutoLender, 10)
		require.NoError(t, err)
		assert.Empty(t, actions)
	})

	t.Run("gas too high", func(t *testing.T) {
		p := chaintest.New(1)
		p.SetGasPrice(big.NewInt(90_000_000_000))
		svc, _, rec, _ := newTestService(t, p)
		activate(t, svc, TypeAutoLender)

		_, err := svc.RunAction(ctx, testAddr, "auto-lender", ActionRequest{Action: "Lend"})
		assert.ErrorIs(t, err, ErrGasTooHigh)
		assert.Equal(t, 1, rec.Count(notify.LevelError))
	})

	t.Run("gas under ceiling", func(t *testing.T) {
		p := chaintest.New(1)
		p.SetGasPrice(big.NewInt(40_000_000_000))
		svc, _, _, _ := newTestService(t, p)
		activate(t, svc, TypeAutoLender)

		_, err := svc.RunAction(ctx, testAddr, "auto-lender", ActionRequest{Action: "Lend"})
		assert.NoError(t, err)
	})
}

func TestListActions_NewestFirstAndLimited(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	ctx := context.Background()
	activate(t, svc, TypePortfolioManager)

	for _, name := range []string{"first", "second", "third"} {
		_, err := svc.RunAction(ctx, testAddr, "portfolio-manager", ActionRequest{Action: name})
		require.NoError(t, err)
	}
	svc.Wait()

	all, err := svc.ListActions(ctx, testAddr, "portfolio-manager", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Action)
	assert.Equal(t, "first", all[2].Action)

	two, err := svc.ListActions(ctx, testAddr, "portfolio-manager", 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestUnsubscribe(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	var n atomic.Int32
	unsubscribe := svc.Subscribe(func(Update) { n.Add(1) })

	_, err := svc.ToggleActive(context.Background(), testAddr, "auto-lender")
	require.NoError(t, err)
	svc.Wait()
	unsubscribe()
	_, err = svc.ToggleActive(context.Background(), testAddr, "auto-lender")
	require.NoError(t, err)
	svc.Wait()

	assert.Equal(t, int32(2), n.Load())
}
