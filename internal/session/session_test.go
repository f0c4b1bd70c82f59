package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/defiagents/internal/notify"
	"github.com/mbd888/defiagents/internal/wallet"
)

var testAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeConnector struct {
	mu           sync.Mutex
	authorized   bool
	reject       bool
	chainID      int64
	balance      *big.Int
	balanceDelay time.Duration
	sendErr      error
	sent         []wallet.TxRequest
	events       chan wallet.Event
	requests     int
}

var _ wallet.Connector = (*fakeConnector)(nil)

func newFakeConnector() *fakeConnector {
	return &fakeConnector{chainID: 11155111, balance: big.NewInt(2e18), events: make(chan wallet.Event, 8)}
}

func (f *fakeConnector) RequestAccounts(context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.reject {
		return nil, wallet.ErrUserRejected
	}
	f.authorized = true
	return []common.Address{testAccount}, nil
}

func (f *fakeConnector) Accounts(context.Context) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.authorized {
		return []common.Address{}, nil
	}
	return []common.Address{testAccount}, nil
}

func (f *fakeConnector) ChainID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chainID, nil
}

func (f *fakeConnector) Balance(ctx context.Context, _ common.Address) (*big.Int, error) {
	if f.balanceDelay > 0 {
		time.Sleep(f.balanceDelay)
	}
	return f.balance, nil
}

func (f *fakeConnector) SendTransaction(_ context.Context, req wallet.TxRequest) (*wallet.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	return &wallet.TxResult{Hash: common.HexToHash("0xfeed"), From: testAccount, To: req.To}, nil
}

func (f *fakeConnector) WaitForReceipt(context.Context, common.Hash, time.Duration) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeConnector) Events() <-chan wallet.Event { return f.events }

func (f *fakeConnector) setChain(id int64) {
	f.mu.Lock()
	f.chainID = id
	f.mu.Unlock()
}

func newTestManager(conn *fakeConnector) (*Manager, *notify.Recorder) {
	rec := &notify.Recorder{}
	opts := []Option{WithNotifier(rec), WithReadTimeout(50 * time.Millisecond)}
	if conn != nil {
		opts = append(opts, WithConnector(wallet.KindInjected, conn))
	}
	return NewManager(opts...), rec
}

func TestConnect_Success(t *testing.T) {
	conn := newFakeConnector()
	m, rec := newTestManager(conn)

	var published []*Session
	m.Subscribe(func(s *Session) { published = append(published, s) })

	sess, err := m.Connect(context.Background(), wallet.KindInjected)
	require.NoError(t, err)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, testAccount.Hex(), sess.Address)
	assert.Equal(t, int64(11155111), sess.ChainID)
	assert.Equal(t, "Sepolia", sess.Network)
	assert.True(t, sess.Supported)
	assert.Equal(t, "2", sess.Balance)
	assert.Equal(t, wallet.KindInjected, sess.WalletType)

	require.Len(t, published, 1)
	assert.Equal(t, sess.Address, published[0].Address)
	assert.Equal(t, 1, rec.Count(notify.LevelSuccess))
	assert.Equal(t, "https://sepolia.etherscan.io/address/"+testAccount.Hex(), sess.ExplorerURL())
}

func TestConnect_RejectedNotifiesOnce(t *testing.T) {
	conn := newFakeConnector()
	conn.reject = true
	m, rec := newTestManager(conn)

	published := 0
	m.Subscribe(func(*Session) { published++ })

	_, err := m.Connect(context.Background(), wallet.KindInjected)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUserRejected)
	assert.ErrorIs(t, err, wallet.ErrUserRejected)

	assert.Equal(t, StateDisconnected, m.State())
	assert.Nil(t, m.Current())
	assert.Equal(t, 1, rec.Count(notify.LevelError))
	assert.Len(t, rec.All(), 1)
	assert.Zero(t, published)
	assert.Equal(t, 1, conn.requests, "no automatic retry")
}

func TestConnect_RejectedAfterConnectedDropsSession(t *testing.T) {
	conn := newFakeConnector()
	m, _ := newTestManager(conn)

	var published []*Session
	m.Subscribe(func(s *Session) { published = append(published, s) })

	_, err := m.Connect(context.Background(), wallet.KindInjected)
	require.NoError(t, err)

	conn.mu.Lock()
	conn.reject = true
	conn.mu.Unlock()

	_, err = m.Connect(context.Background(), wallet.KindInjected)
	require.ErrorIs(t, err, ErrUserRejected)

	assert.Equal(t, StateDisconnected, m.State())
	assert.Nil(t, m.Current())
	assert.Nil(t, m.Provider())
	require.Len(t, published, 2)
	assert.Nil(t, published[1])
}

func TestConnect_ComingSoonKinds(t *testing.T) {
	m, rec := newTestManager(newFakeConnector())
	for _, kind := range []wallet.Kind{wallet.KindWalletConnect, wallet.KindCoinbase} {
		_, err := m.Connect(context.Background(), kind)
		assert.ErrorIs(t, err, ErrComingSoon)
	}
	assert.Equal(t, 2, rec.Count(notify.LevelInfo))
	assert.Equal(t, StateDisconnected, m.State())

	_, err := m.Connect(context.Background(), wallet.Kind("ledger"))
	assert.ErrorIs(t, err, ErrUnknownWallet)
}

func TestConnect_NoProvider(t *testing.T) {
	m, rec := newTestManager(nil)
	_, err := m.Connect(context.Background(), wallet.KindInjected)
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.Equal(t, 1, rec.Count(notify.LevelError))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestConnect_SlowBalanceFallsBackToZero(t *testing.T) {
	conn := newFakeConnector()
	conn.balanceDelay = 300 * time.Millisecond
	m, _ := newTestManager(conn)

	sess, err := m.Connect(context.Background(), wallet.KindInjected)
	require.NoError(t, err)
	assert.Equal(t, "0", sess.Balance)
}

func TestDisconnect_PublishesNil(t *testing.T) {
	conn := newFakeConnector()
	m, rec := newTestManager(conn)
	_, err := m.Connect(context.Background(), wallet.KindInjected)
	require.NoError(t, err)

	var last *Session
	calls := 0
	m.Subscribe(func(s *Session) { last, calls = s, calls+1 })

	m.Disconnect(context.Background())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Nil(t, m.Current())
	assert.Equal(t, 1, calls)
	assert.Nil(t, last)
	assert.Equal(t, 1, rec.Count(notify.LevelInfo))
	assert.Nil(t, m.Provider())
	_, err = m.Signer()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubscribe_OrderAndUnsubscribe(t *testing.T) {
	m, _ := newTestManager(newFakeConnector())
	var order []string
	m.Subscribe(func(*Session) { order = append(order, "a") })
	unsubB := m.Subscribe(func(*Session) { order = append(order, "b") })
	m.Subscribe(func(*Session) { order = append(order, "c") })

	m.Disconnect(context.Background())
	assert.Equal(t, []string{"a", "b", "c"}, order)

	unsubB()
	order = nil
	m.Disconnect(context.Background())
	assert.Equal(t, []string{"a", "c"}, order)
}

func TestSubscriberGetsCopy(t *testing.T) {
	m, _ := newTestManager(newFakeConnector())
	m.Subscribe(func(s *Session) {
		if s != nil {
			s.Address = "mutated"
		}
	})
	_, err := m.Connect(context.Background(), wallet.KindInjected)
	require.NoError(t, err)
	assert.Equal(t, testAccount.Hex(), m.Current().Address)
}

func TestReconnect_Silent(t *testing.T) {
	conn := newFakeConnector()
	m, rec := newTestManager(conn)

	sess, err := m.Reconnect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess, "nothing authorized yet")
	assert.Equal(t, StateDisconnected, m.State())

	conn.authorized = true
	published := 0
	m.Subscribe(func(*Session) { published++ })

	sess, err = m.Reconnect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 1, published)
	assert.Empty(t, rec.All(), "silent mode raises no notifications")
	assert.Zero(t, conn.requests, "silent mode never prompts")
}

func TestHandleEvent_AccountsChanged(t *testing.T) {
	conn := newFakeConnector()
	m, rec := newTestManager(conn)
	ctx := context.Background()
	_, err := m.Connect(ctx, wallet.KindInjected)
	require.NoError(t, err)
	rec.Reset()

	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	m.HandleEvent(ctx, wallet.Event{Type: wallet.EventAccountsChanged, Accounts: []common.Address{other}})
	assert.Equal(t, other.Hex(), m.Current().Address)
	assert.Empty(t, rec.All(), "account refresh is silent")

	m.HandleEvent(ctx, wallet.Event{Type: wallet.EventAccountsChanged, Accounts: nil})
	assert.Equal(t, StateDisconnected, m.State())
	assert.Nil(t, m.Current())

	// Non-empty accounts while disconnected do not connect.
	m.HandleEvent(ctx, wallet.Event{Type: wallet.EventAccountsChanged, Accounts: []common.Address{other}})
	assert.Equal(t, StateDisconnected, m.State())
}

func TestHandleEvent_ChainChanged(t *testing.T) {
	conn := newFakeConnector()
	m, rec := newTestManager(conn)
	ctx := context.Background()
	_, err := m.Connect(ctx, wallet.KindInjected)
	require.NoError(t, err)
	rec.Reset()

	conn.setChain(137)
	m.HandleEvent(ctx, wallet.Event{Type: wallet.EventChainChanged, ChainID: 137})

	cur := m.Current()
	require.NotNil(t, cur)
	assert.Equal(t, int64(137), cur.ChainID)
	assert.False(t, cur.Supported)
	all := rec.All()
	require.Len(t, all, 1)
	assert.Equal(t, notify.LevelInfo, all[0].Level)
	assert.Contains(t, all[0].Message, "unsupported")
}

func TestHandleEvent_ProviderDisconnect(t *testing.T) {
	conn := newFakeConnector()
	m, rec := newTestManager(conn)
	ctx := context.Background()
	_, err := m.Connect(ctx, wallet.KindInjected)
	require.NoError(t, err)
	rec.Reset()

	var last = &Session{}
	m.Subscribe(func(s *Session) { last = s })
	m.HandleEvent(ctx, wallet.Event{Type: wallet.EventDisconnect, Err: errors.New("gone")})

	assert.Nil(t, last)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, rec.Count(notify.LevelError))
	assert.Len(t, rec.All(), 1)
}

func TestHandleEvent_InitializedReconnects(t *testing.T) {
	conn := newFakeConnector()
	conn.authorized = true
	m, rec := newTestManager(conn)

	m.HandleEvent(context.Background(), wallet.Event{Type: wallet.EventInitialized})
	assert.Equal(t, StateConnected, m.State())
	assert.Empty(t, rec.All())
}

func TestWatch(t *testing.T) {
	conn := newFakeConnector()
	conn.authorized = true
	m, _ := newTestManager(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, conn.Events())
		close(done)
	}()

	conn.events <- wallet.Event{Type: wallet.EventInitialized}
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, 5*time.Millisecond)

	conn.events <- wallet.Event{Type: wallet.EventAccountsChanged}
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop")
	}
}

func TestSendTransaction(t *testing.T) {
	ctx := context.Background()
	to := common.HexToAddress("0x01")

	m, _ := newTestManager(newFakeConnector())
	_, err := m.SendTransaction(ctx, wallet.TxRequest{To: to})
	assert.ErrorIs(t, err, ErrNotConnected)

	conn := newFakeConnector()
	m, _ = newTestManager(conn)
	_, err = m.Connect(ctx, wallet.KindInjected)
	require.NoError(t, err)

	res, err := m.SendTransaction(ctx, wallet.TxRequest{To: to})
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xfeed"), res.Hash)

	signer, err := m.Signer()
	require.NoError(t, err)
	assert.Equal(t, testAccount, signer)
}

func TestSendTransaction_ErrorsAreDistinct(t *testing.T) {
	ctx := context.Background()
	to := common.HexToAddress("0x01")

	conn := newFakeConnector()
	m, rec := newTestManager(conn)
	_, err := m.Connect(ctx, wallet.KindInjected)
	require.NoError(t, err)
	rec.Reset()

	conn.sendErr = &wallet.TxError{Op: "prompt", Err: wallet.ErrUserRejected}
	_, err = m.SendTransaction(ctx, wallet.TxRequest{To: to})
	assert.ErrorIs(t, err, ErrUserRejected)
	assert.NotErrorIs(t, err, ErrTransactionFailed)

	conn.sendErr = &wallet.TxError{Op: "send", Err: errors.New("nonce too low")}
	_, err = m.SendTransaction(ctx, wallet.TxRequest{To: to})
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.NotErrorIs(t, err, ErrUserRejected)
	assert.Equal(t, 2, rec.Count(notify.LevelError))
}

func TestSendTransaction_UnsupportedNetwork(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConnector()
	conn.chainID = 137
	m, _ := newTestManager(conn)
	_, err := m.Connect(ctx, wallet.KindInjected)
	require.NoError(t, err)

	_, err = m.SendTransaction(ctx, wallet.TxRequest{To: common.HexToAddress("0x01")})
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
	assert.Empty(t, conn.sent, "blocked before reaching the wallet")
}
