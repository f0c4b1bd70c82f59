package agents

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/chain/chaintest"
)

func TestComputeAnalytics(t *testing.T) {
	rebalanced := fixed.Add(-time.Hour)
	recent := []*Action{
		{Action: "Lend", Status: StatusFailed, Timestamp: fixed},
		{Action: "Rebalance portfolio", Status: StatusCompleted, Timestamp: rebalanced},
		{Action: "Rebalance again", Status: StatusCompleted, Timestamp: fixed.Add(-2 * time.Hour)},
	}
	a := ComputeAnalytics(TypeAutoLender, DefaultSettings(TypeAutoLender), 10000, recent, fixed)

	assert.Equal(t, 10000.0, a.TotalValueLocked)
	assert.Equal(t, 1.23, a.DailyYield)
	assert.Equal(t, 8.63, a.WeeklyYield)
	assert.Equal(t, 36.99, a.MonthlyYield)
	assert.Equal(t, 5.5, a.RiskScore)
	require.NotNil(t, a.LastRebalance)
	assert.Equal(t, rebalanced, *a.LastRebalance)
	assert.Equal(t, fixed, a.UpdatedAt)
}

func TestComputeAnalytics_RiskClamped(t *testing.T) {
	s := DefaultSettings(TypeYieldFarmer)
	s.RiskTolerance = RiskHigh
	var recent []*Action
	for range 10 {
		recent = append(recent, &Action{Action: "Farm", Status: StatusFailed})
	}
	a := ComputeAnalytics(TypeYieldFarmer, s, 0, recent, fixed)
	assert.Equal(t, 10.0, a.RiskScore)
	assert.Nil(t, a.LastRebalance)
	assert.Zero(t, a.DailyYield)
}

func TestComputePositions(t *testing.T) {
	txs := []chain.TransactionRecord{
		{To: "0x7d2768de32b0b80b7a3454c06bdac94a69ddc7a9", Value: "1000000000000000000"},
		{To: "0x7D2768DE32B0B80B7A3454C06BDAC94A69DDC7A9", Value: "500000000000000000"},
		{To: "0x3d9819210a31b4961b30ef54be2aed79b9c9cd3b", Value: "250000000000000000"},
		{To: "0x9999999999999999999999999999999999999999", Value: "9000000000000000000"},
	}
	ps := ComputePositions(2, 2000, txs)

	require.Len(t, ps, 3)
	assert.Equal(t, "Wallet", ps[0].Platform)
	assert.Equal(t, 4000.0, ps[0].ValueUSD)

	assert.Equal(t, "Aave V2", ps[1].Platform)
	assert.Equal(t, 1.5, ps[1].Balance)
	assert.Equal(t, 3000.0, ps[1].ValueUSD)
	assert.Equal(t, 3.2, ps[1].APY)

	assert.Equal(t, "Compound", ps[2].Platform)
	assert.Equal(t, 500.0, ps[2].ValueUSD)
}

func TestAnalytics_CachedUntilRefresh(t *testing.T) {
	p := chaintest.New(11155111)
	p.SetBalance(common.HexToAddress(testAddr), eth(3))
	svc, store, _, _ := newTestService(t, p, WithPriceSource(staticPrice(1000)))
	ctx := context.Background()

	a, err := svc.Analytics(ctx, testAddr, "auto-lender", false)
	require.NoError(t, err)
	assert.Equal(t, 3000.0, a.TotalValueLocked)

	p.SetBalance(common.HexToAddress(testAddr), eth(5))
	a, err = svc.Analytics(ctx, testAddr, "auto-lender", false)
	require.NoError(t, err)
	assert.Equal(t, 3000.0, a.TotalValueLocked)

	a, err = svc.Analytics(ctx, testAddr, "auto-lender", true)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, a.TotalValueLocked)

	stored, err := store.GetAnalytics(ctx, testAddr, TypeAutoLender)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, stored.TotalValueLocked)
}

func TestPositions(t *testing.T) {
	p := chaintest.New(11155111)
	w := common.HexToAddress(testAddr)
	aave := common.HexToAddress("0x87870bca3f3fd6335c3f4ce8392d69350b4fa4e2")
	p.SetBalance(w, eth(1))
	p.MineBlock(chain.Transaction{From: w, To: &aave, Value: eth(2)})

	svc, _, _, log := newTestService(t, p, WithPriceSource(staticPrice(1000)))
	ps, err := svc.Positions(context.Background(), testAddr, false)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "Aave V3", ps[1].Platform)
	assert.Equal(t, 2000.0, ps[1].ValueUSD)

	_, err = svc.Positions(context.Background(), "nope", false)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	updates := log.snapshot()
	require.Len(t, updates, 1)
	assert.Equal(t, UpdatePositions, updates[0].Kind)
}

// agentChain is a chain whose head is mined at fixed and whose auto-lender
// contract emits AgentAction logs.
func agentChain(t *testing.T) (*chaintest.Provider, *chain.Fetcher, uint64) {
	t.Helper()
	p := chaintest.New(11155111)
	head := uint64(fixed.Sub(p.TimeOf(0)) / chaintest.BlockInterval)
	p.SetHead(head)
	caps, err := chain.ParseCapabilities([]byte(`
networks:
  - chain_id: 11155111
    contracts:
      auto-lender:
        address: "0x00000000000000000000000000000000000000a1"
        events: [AgentAction]
`))
	require.NoError(t, err)
	return p, chain.NewFetcher(p, chain.WithCapabilities(caps), chain.WithReadTimeout(time.Second)), head
}

func addAgentLog(t *testing.T, p *chaintest.Provider, action string, block uint64) {
	t.Helper()
	data, err := chain.EncodeAgentActionData(action, eth(1), false)
	require.NoError(t, err)
	p.AddLog(types.Log{
		Address:     common.HexToAddress("0xa1"),
		Topics:      []common.Hash{chain.AgentActionTopic(), common.BytesToHash(common.HexToAddress(testAddr).Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
	})
}

func TestTransactions_ScansLookbackWindow(t *testing.T) {
	p, fetcher, head := agentChain(t)
	addAgentLog(t, p, "Supply", 10) // older than AgentLookback
	addAgentLog(t, p, "Rebalance", head-100)
	addAgentLog(t, p, "Withdraw", head-10)

	svc := NewService(NewMemoryStore(), fetcher, WithClock(func() time.Time { return fixed }), WithPersistDelay(0))
	txs, err := svc.Transactions(context.Background(), testAddr, "auto-lender")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "Rebalance", txs[0].Action)
	assert.Equal(t, "Withdraw", txs[1].Action)

	none, err := svc.Transactions(context.Background(), testAddr, "yield-farmer")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = svc.Transactions(context.Background(), testAddr, "bogus")
	assert.ErrorIs(t, err, ErrUnknownAgentType)
}

func TestAnalytics_LastRebalanceFromChain(t *testing.T) {
	p, fetcher, head := agentChain(t)
	addAgentLog(t, p, "Rebalance", head-100)

	svc := NewService(NewMemoryStore(), fetcher, WithClock(func() time.Time { return fixed }), WithPersistDelay(0))
	a, err := svc.RefreshAnalytics(context.Background(), testAddr, "auto-lender")
	require.NoError(t, err)
	require.NotNil(t, a.LastRebalance)
	assert.Equal(t, p.TimeOf(head-100), *a.LastRebalance)
}
