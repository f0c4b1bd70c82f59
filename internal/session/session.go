// Package session owns the process-wide wallet session: the single
// currently connected account, its chain and balance. It drives the
// Disconnected -> Connecting -> Connected state machine, reacts to provider
// events, and fans session snapshots out to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/guard"
	"github.com/mbd888/defiagents/internal/metrics"
	"github.com/mbd888/defiagents/internal/notify"
	"github.com/mbd888/defiagents/internal/wallet"
)

var (
	ErrComingSoon         = errors.New("session: wallet integration coming soon")
	ErrUnknownWallet      = errors.New("session: unknown wallet kind")
	ErrNoProvider         = errors.New("session: no wallet provider installed")
	ErrNoAccounts         = errors.New("session: wallet returned no accounts")
	ErrUserRejected       = errors.New("session: user rejected request")
	ErrConnectInProgress  = errors.New("session: connection already in progress")
	ErrNotConnected       = errors.New("session: wallet not connected")
	ErrUnsupportedNetwork = errors.New("session: unsupported network")
	ErrTransactionFailed  = errors.New("session: transaction failed")
)

// State of the session state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Session is a snapshot of the connected wallet. Subscribers receive copies.
type Session struct {
	Address     string      `json:"address"`
	ChainID     int64       `json:"chainId"`
	Network     string      `json:"network"`
	Supported   bool        `json:"supportedNetwork"`
	Balance     string      `json:"balance"` // ETH
	WalletType  wallet.Kind `json:"walletType"`
	ConnectedAt time.Time   `json:"connectedAt"`
}

// Listener receives the new session, or nil after a disconnect.
type Listener func(*Session)

type subscriber struct {
	id int
	fn Listener
}

// Manager is the wallet session manager. Safe for concurrent use.
type Manager struct {
	connectors  map[wallet.Kind]wallet.Connector
	notifier    notify.Notifier
	logger      *slog.Logger
	readTimeout time.Duration

	mu      sync.Mutex
	state   State
	current *Session
	conn    wallet.Connector
	subs    []subscriber
	nextSub int
}

// Option configures a Manager.
type Option func(*Manager)

// WithConnector registers the connector serving kind.
func WithConnector(kind wallet.Kind, c wallet.Connector) Option {
	return func(m *Manager) {
		if c != nil {
			m.connectors[kind] = c
		}
	}
}

// WithNotifier sets where user-facing notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithReadTimeout bounds the chain reads made while loading a session.
func WithReadTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.readTimeout = d
		}
	}
}

// NewManager creates a disconnected session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		connectors:  make(map[wallet.Kind]wallet.Connector),
		notifier:    notify.Nop,
		logger:      slog.Default(),
		readTimeout: chain.DefaultReadTimeout,
		state:       StateDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a copy of the connected session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySession(m.current)
}

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Subscribe registers fn for session changes and returns its unsubscribe func.
// Listeners run synchronously, in registration order, on the goroutine that
// changed the session.
func (m *Manager) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) publish(s *Session) {
	m.mu.Lock()
	subs := append([]subscriber(nil), m.subs...)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.fn(copySession(s))
	}
}

// Caller must hold m.mu.
func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	metrics.SessionTransitionsTotal.WithLabelValues(string(s)).Inc()
	if s == StateConnected {
		metrics.ConnectedWallets.Set(1)
	} else {
		metrics.ConnectedWallets.Set(0)
	}
}

func (m *Manager) connector(kind wallet.Kind) (wallet.Connector, error) {
	switch kind {
	case wallet.KindInjected:
	case wallet.KindWalletConnect, wallet.KindCoinbase:
		return nil, ErrComingSoon
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownWallet, kind)
	}
	c, ok := m.connectors[kind]
	if !ok {
		return nil, ErrNoProvider
	}
	return c, nil
}

// Connect authorizes the wallet of the given kind, prompting the user.
func (m *Manager) Connect(ctx context.Context, kind wallet.Kind) (*Session, error) {
	conn, err := m.connector(kind)
	switch {
	case errors.Is(err, ErrComingSoon):
		m.notifier.Notify(ctx, notify.Info("Coming soon", fmt.Sprintf("%s support is coming soon", kind)))
		return nil, err
	case errors.Is(err, ErrNoProvider):
		m.notifier.Notify(ctx, notify.Error("Wallet not found", "Install a browser wallet to connect"))
		return nil, err
	case err != nil:
		return nil, err
	}

	m.mu.Lock()
	if m.state == StateConnecting {
		m.mu.Unlock()
		return nil, ErrConnectInProgress
	}
	m.setState(StateConnecting)
	m.mu.Unlock()

	sess, err := m.authorize(ctx, conn, kind)
	if err != nil {
		// A failed attempt ends in Disconnected, dropping any earlier session.
		m.mu.Lock()
		hadSession := m.current != nil
		m.mu.Unlock()
		if hadSession {
			m.clear()
		} else {
			m.mu.Lock()
			m.setState(StateDisconnected)
			m.mu.Unlock()
		}

		title, msg := "Connection failed", err.Error()
		if errors.Is(err, ErrUserRejected) {
			title, msg = "Connection rejected", "You rejected the connection request"
		}
		m.notifier.Notify(ctx, notify.Error(title, msg))
		m.logger.Warn("wallet connect failed", "kind", kind, "error", err)
		return nil, err
	}

	m.install(conn, sess)
	m.notifier.Notify(ctx, notify.Success("Wallet connected", fmt.Sprintf("Connected %s", short(sess.Address))).For(sess.Address))
	m.logger.Info("wallet connected", "address", sess.Address, "chain_id", sess.ChainID)
	return copySession(sess), nil
}

func (m *Manager) authorize(ctx context.Context, conn wallet.Connector, kind wallet.Kind) (*Session, error) {
	accounts, err := conn.RequestAccounts(ctx)
	if err != nil {
		if wallet.IsUserRejection(err) {
			return nil, fmt.Errorf("%w: %w", ErrUserRejected, err)
		}
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return m.load(ctx, conn, kind, accounts[0])
}

// load reads chain id and balance for account. The balance read is guarded:
// a slow node yields a zero balance rather than a stuck connection.
func (m *Manager) load(ctx context.Context, conn wallet.Connector, kind wallet.Kind, account common.Address) (*Session, error) {
	chainID, err := conn.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	balance := guard.Do(ctx, "session.balance", m.readTimeout, new(big.Int), func(ctx context.Context) (*big.Int, error) {
		return conn.Balance(ctx, account)
	})
	return &Session{
		Address:     account.Hex(),
		ChainID:     chainID,
		Network:     chain.NetworkName(chainID),
		Supported:   chain.IsSupportedNetwork(chainID),
		Balance:     chain.FormatEther(balance),
		WalletType:  kind,
		ConnectedAt: time.Now().UTC(),
	}, nil
}

func (m *Manager) install(conn wallet.Connector, sess *Session) {
	m.mu.Lock()
	m.conn = conn
	m.current = sess
	m.setState(StateConnected)
	m.mu.Unlock()
	m.publish(sess)
}

// Disconnect clears the session unconditionally and publishes nil.
func (m *Manager) Disconnect(ctx context.Context) {
	if addr := m.clear(); addr != "" {
		m.notifier.Notify(ctx, notify.Info("Wallet disconnected", fmt.Sprintf("Disconnected %s", short(addr))).For(addr))
	}
}

// clear resets to Disconnected, publishes nil and returns the address that was connected.
func (m *Manager) clear() string {
	m.mu.Lock()
	addr := ""
	if m.current != nil {
		addr = m.current.Address
	}
	m.current = nil
	m.conn = nil
	m.setState(StateDisconnected)
	m.mu.Unlock()
	m.publish(nil)
	return addr
}

// Reconnect restores a session from already-authorized accounts without
// prompting or notifying. It returns nil when nothing is authorized.
func (m *Manager) Reconnect(ctx context.Context) (*Session, error) {
	conn, err := m.connector(wallet.KindInjected)
	if err != nil {
		return nil, nil
	}
	accounts, err := conn.Accounts(ctx)
	if err != nil {
		m.logger.Debug("silent reconnect failed", "error", err)
		return nil, nil
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	sess, err := m.load(ctx, conn, wallet.KindInjected, accounts[0])
	if err != nil {
		m.logger.Warn("silent reconnect failed", "error", err)
		return nil, err
	}
	m.install(conn, sess)
	m.logger.Info("wallet reconnected", "address", sess.Address, "chain_id", sess.ChainID)
	return copySession(sess), nil
}

// refresh reloads the connected session from the same connector.
func (m *Manager) refresh(ctx context.Context, accounts []common.Address) (*Session, error) {
	m.mu.Lock()
	conn, cur := m.conn, m.current
	m.mu.Unlock()
	if conn == nil || cur == nil {
		return nil, ErrNotConnected
	}
	if len(accounts) == 0 {
		var err error
		if accounts, err = conn.Accounts(ctx); err != nil {
			return nil, err
		}
		if len(accounts) == 0 {
			return nil, ErrNoAccounts
		}
	}
	sess, err := m.load(ctx, conn, cur.WalletType, accounts[0])
	if err != nil {
		return nil, err
	}
	sess.ConnectedAt = cur.ConnectedAt
	m.install(conn, sess)
	return sess, nil
}

// HandleEvent reacts to one provider event.
func (m *Manager) HandleEvent(ctx context.Context, ev wallet.Event) {
	switch ev.Type {
	case wallet.EventAccountsChanged:
		if len(ev.Accounts) == 0 {
			m.Disconnect(ctx)
			return
		}
		if m.State() != StateConnected {
			return
		}
		if _, err := m.refresh(ctx, ev.Accounts); err != nil {
			m.logger.Warn("account refresh failed", "error", err)
		}

	case wallet.EventChainChanged:
		if m.State() != StateConnected {
			return
		}
		sess, err := m.refresh(ctx, nil)
		if err != nil {
			m.logger.Warn("chain refresh failed", "error", err)
			return
		}
		msg := fmt.Sprintf("Switched to %s", displayNetwork(sess.ChainID))
		if !sess.Supported {
			msg += " (unsupported network)"
		}
		m.notifier.Notify(ctx, notify.Info("Network changed", msg).For(sess.Address))

	case wallet.EventDisconnect:
		addr := m.clear()
		msg := "The wallet provider disconnected"
		if ev.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, ev.Err)
		}
		m.notifier.Notify(ctx, notify.Error("Wallet disconnected", msg).For(addr))

	case wallet.EventInitialized:
		if m.State() == StateConnected {
			return
		}
		if _, err := m.Reconnect(ctx); err != nil {
			m.logger.Warn("reconnect after provider init failed", "error", err)
		}

	default:
		m.logger.Debug("ignoring wallet event", "type", ev.Type)
	}
}

// Watch handles events until ctx ends or the channel closes. These events are
// the only asynchronous session triggers; nothing is polled.
func (m *Manager) Watch(ctx context.Context, events <-chan wallet.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.HandleEvent(ctx, ev)
		}
	}
}

// Provider returns the connector behind the current session, or nil.
func (m *Manager) Provider() wallet.Connector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Signer returns the account that signs transactions for the current session.
func (m *Manager) Signer() (common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return common.Address{}, ErrNotConnected
	}
	return common.HexToAddress(m.current.Address), nil
}

// SendTransaction submits req through the connected wallet. User rejection
// and every other failure are reported as distinct errors.
func (m *Manager) SendTransaction(ctx context.Context, req wallet.TxRequest) (*wallet.TxResult, error) {
	m.mu.Lock()
	conn, cur := m.conn, copySession(m.current)
	m.mu.Unlock()
	if conn == nil || cur == nil {
		return nil, ErrNotConnected
	}
	if !chain.IsSupportedNetwork(cur.ChainID) {
		m.notifier.Notify(ctx, notify.Error("Unsupported network",
			fmt.Sprintf("Switch to a supported network before sending (current: %s)", displayNetwork(cur.ChainID))).For(cur.Address))
		return nil, fmt.Errorf("%w: chain %d", ErrUnsupportedNetwork, cur.ChainID)
	}

	res, err := conn.SendTransaction(ctx, req)
	if err != nil {
		if wallet.IsUserRejection(err) {
			m.notifier.Notify(ctx, notify.Error("Transaction rejected", "You rejected the transaction").For(cur.Address))
			return nil, fmt.Errorf("%w: %w", ErrUserRejected, err)
		}
		m.notifier.Notify(ctx, notify.Error("Transaction failed", err.Error()).For(cur.Address))
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	m.logger.Info("transaction sent", "address", cur.Address, "tx", res.Hash.Hex())
	return res, nil
}

// WaitForReceipt waits for a transaction sent through the current session.
func (m *Manager) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	conn := m.Provider()
	if conn == nil {
		return nil, ErrNotConnected
	}
	r, err := conn.WaitForReceipt(ctx, hash, timeout)
	if err != nil {
		return r, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	return r, nil
}

// ExplorerURL links the connected account on its network's explorer.
func (s *Session) ExplorerURL() string {
	return chain.ExplorerURL(s.ChainID, chain.LinkAddress, s.Address)
}

func displayNetwork(chainID int64) string {
	if name := chain.NetworkName(chainID); name != "" {
		return name
	}
	return fmt.Sprintf("chain %d", chainID)
}

func short(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return strings.ToLower(addr[:6]) + "..." + strings.ToLower(addr[len(addr)-4:])
}
