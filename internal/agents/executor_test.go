package agents

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/defiagents/internal/wallet"
)

func TestSimulatedExecutor(t *testing.T) {
	ex := Execution{Action: Action{Action: "Lend"}}

	hash, err := NewSimulatedExecutor(0, 0.9).WithRand(func() float64 { return 0.1 }).Execute(context.Background(), ex)
	require.NoError(t, err)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, hash)

	_, err = NewSimulatedExecutor(0, 0.9).WithRand(func() float64 { return 0.95 }).Execute(context.Background(), ex)
	assert.ErrorIs(t, err, ErrActionFailed)
}

func TestSimulatedExecutor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSimulatedExecutor(time.Hour, 1).Execute(ctx, Execution{})
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeSender struct {
	sent      []wallet.TxRequest
	status    uint64
	sendErr   error
	signer    string // defaults to testAddr
	signerErr error
}

func (f *fakeSender) Signer() (common.Address, error) {
	if f.signerErr != nil {
		return common.Address{}, f.signerErr
	}
	if f.signer == "" {
		return common.HexToAddress(testAddr), nil
	}
	return common.HexToAddress(f.signer), nil
}

func (f *fakeSender) SendTransaction(_ context.Context, req wallet.TxRequest) (*wallet.TxResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, req)
	return &wallet.TxResult{Hash: common.HexToHash("0xfeed"), To: req.To, Value: req.Value}, nil
}

func (f *fakeSender) WaitForReceipt(_ context.Context, hash common.Hash, _ time.Duration) (*types.Receipt, error) {
	return &types.Receipt{TxHash: hash, Status: f.status}, nil
}

func TestChainExecutor(t *testing.T) {
	sender := &fakeSender{status: types.ReceiptStatusSuccessful}
	ex := NewChainExecutor(sender, 0)

	hash, err := ex.Execute(context.Background(), Execution{
		Address: testAddr,
		Action:  Action{Action: "Supply"},
		Request: ActionRequest{Action: "Supply", To: "0x7d2768de32b0b80b7a3454c06bdac94a69ddc7a9", Value: "0.5"},
	})
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), hash)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, common.HexToAddress("0x7d2768de32b0b80b7a3454c06bdac94a69ddc7a9"), sender.sent[0].To)
	assert.Equal(t, big.NewInt(5e17), sender.sent[0].Value)
	assert.Equal(t, []byte("Supply"), sender.sent[0].Data)
}

func TestChainExecutor_SelfTransferByDefault(t *testing.T) {
	sender := &fakeSender{status: types.ReceiptStatusSuccessful}
	_, err := NewChainExecutor(sender, time.Second).Execute(context.Background(), Execution{Address: testAddr, Action: Action{Action: "Ping"}})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddr), sender.sent[0].To)
	assert.Equal(t, 0, sender.sent[0].Value.Sign())
}

func TestChainExecutor_Failures(t *testing.T) {
	ctx := context.Background()

	_, err := NewChainExecutor(&fakeSender{}, 0).Execute(ctx, Execution{Address: testAddr, Request: ActionRequest{To: "bogus"}})
	assert.ErrorIs(t, err, ErrActionFailed)

	_, err = NewChainExecutor(&fakeSender{}, 0).Execute(ctx, Execution{Address: testAddr, Request: ActionRequest{Value: "lots"}})
	assert.ErrorIs(t, err, ErrActionFailed)

	hash, err := NewChainExecutor(&fakeSender{status: types.ReceiptStatusFailed}, 0).Execute(ctx, Execution{Address: testAddr})
	assert.ErrorIs(t, err, ErrActionFailed)
	assert.NotEmpty(t, hash)

	rejected := errors.New("user rejected")
	_, err = NewChainExecutor(&fakeSender{sendErr: rejected}, 0).Execute(ctx, Execution{Address: testAddr})
	assert.ErrorIs(t, err, rejected)
}

func TestChainExecutor_RejectsOtherWallet(t *testing.T) {
	sender := &fakeSender{status: types.ReceiptStatusSuccessful, signer: "0x00000000000000000000000000000000000000bb"}

	hash, err := NewChainExecutor(sender, 0).Execute(context.Background(), Execution{Address: testAddr, Action: Action{Action: "Lend"}})
	assert.ErrorIs(t, err, ErrWalletMismatch)
	assert.Empty(t, hash)
	assert.Empty(t, sender.sent, "nothing is signed for another wallet")

	notConnected := errors.New("not connected")
	_, err = NewChainExecutor(&fakeSender{signerErr: notConnected}, 0).Execute(context.Background(), Execution{Address: testAddr})
	assert.ErrorIs(t, err, notConnected)
}

func TestChainExecutor_AddressCaseInsensitive(t *testing.T) {
	sender := &fakeSender{status: types.ReceiptStatusSuccessful}
	_, err := NewChainExecutor(sender, 0).Execute(context.Background(), Execution{Address: strings.ToLower(testAddr)})
	require.NoError(t, err)
	assert.Len(t, sender.sent, 1)
}
