package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Optional credit-score contract methods.
const (
	MethodBorrowerData     = "getBorrowerData"
	MethodCollateralHealth = "getCollateralHealth"
	MethodRiskMetrics      = "getRiskMetrics"
)

// EventAgentAction is emitted by agent contracts for every executed action.
const EventAgentAction = "AgentAction"

const creditScoreABIJSON = `[
	{"constant":true,"inputs":[{"name":"borrower","type":"address"}],"name":"getBorrowerData","outputs":[{"name":"totalLoans","type":"uint256"},{"name":"defaults","type":"uint256"},{"name":"lateRepayments","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"borrower","type":"address"}],"name":"getCollateralHealth","outputs":[{"name":"ratioBps","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"borrower","type":"address"}],"name":"getRiskMetrics","outputs":[{"name":"liquidationRisk","type":"uint256"},{"name":"volatility","type":"uint256"}],"type":"function"}
]`

const agentABIJSON = `[
	{"anonymous":false,"inputs":[{"indexed":true,"name":"user","type":"address"},{"indexed":false,"name":"action","type":"string"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"inbound","type":"bool"}],"name":"AgentAction","type":"event"}
]`

var (
	creditScoreABI = mustABI(creditScoreABIJSON)
	agentABI       = mustABI(agentABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse ABI: %v", err))
	}
	return parsed
}

// BorrowerData is the lending history reported by the credit-score contract.
type BorrowerData struct {
	TotalLoans     uint64
	Defaults       uint64
	LateRepayments uint64
}

// RiskMetrics is the risk view reported by the credit-score contract.
type RiskMetrics struct {
	CollateralRatio float64 // 1.5 == 150%
	LiquidationRisk float64 // percent
	Volatility      float64 // 0-100
}

func packCreditCall(method string, addr common.Address) ([]byte, error) {
	return creditScoreABI.Pack(method, addr)
}

func unpackUints(method string, out []byte, n int) ([]*big.Int, error) {
	vals, err := creditScoreABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != n {
		return nil, fmt.Errorf("unpack %s: want %d outputs, got %d", method, n, len(vals))
	}
	res := make([]*big.Int, n)
	for i, v := range vals {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unpack %s: output %d is %T", method, i, v)
		}
		res[i] = b
	}
	return res, nil
}

func decodeBorrowerData(out []byte) (BorrowerData, error) {
	v, err := unpackUints(MethodBorrowerData, out, 3)
	if err != nil {
		return BorrowerData{}, err
	}
	return BorrowerData{
		TotalLoans:     v[0].Uint64(),
		Defaults:       v[1].Uint64(),
		LateRepayments: v[2].Uint64(),
	}, nil
}

// decodeCollateralRatio converts basis points into a ratio.
func decodeCollateralRatio(out []byte) (float64, error) {
	v, err := unpackUints(MethodCollateralHealth, out, 1)
	if err != nil {
		return 0, err
	}
	return float64(v[0].Uint64()) / 10000, nil
}

func decodeRiskMetrics(out []byte) (liquidationRisk, volatility float64, err error) {
	v, err := unpackUints(MethodRiskMetrics, out, 2)
	if err != nil {
		return 0, 0, err
	}
	return float64(v[0].Uint64()), float64(v[1].Uint64()), nil
}

// AgentActionTopic is the topic0 of AgentAction logs.
func AgentActionTopic() common.Hash {
	return agentABI.Events[EventAgentAction].ID
}

// decodeAgentAction maps an AgentAction log to a transaction record.
func decodeAgentAction(l types.Log, ts uint64) (TransactionRecord, error) {
	vals, err := agentABI.Unpack(EventAgentAction, l.Data)
	if err != nil {
		return TransactionRecord{}, fmt.Errorf("unpack %s: %w", EventAgentAction, err)
	}
	if len(vals) != 3 {
		return TransactionRecord{}, fmt.Errorf("unpack %s: want 3 fields, got %d", EventAgentAction, len(vals))
	}
	action, _ := vals[0].(string)
	amount, _ := vals[1].(*big.Int)
	inbound, _ := vals[2].(bool)
	if amount == nil {
		amount = new(big.Int)
	}

	dir := DirectionOut
	if inbound {
		dir = DirectionIn
	}
	var user common.Address
	if len(l.Topics) > 1 {
		user = common.BytesToAddress(l.Topics[1].Bytes())
	}

	rec := TransactionRecord{
		Hash:        l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
		From:        user.Hex(),
		To:          l.Address.Hex(),
		Value:       amount.String(),
		Direction:   dir,
		Amount:      FormatEther(amount),
		Action:      action,
	}
	if dir == DirectionIn {
		rec.From, rec.To = l.Address.Hex(), user.Hex()
	}
	if ts > 0 {
		rec.Timestamp = unixUTC(ts)
	}
	return rec, nil
}

// EncodeAgentActionData packs the non-indexed AgentAction fields. Used to build test logs.
func EncodeAgentActionData(action string, amount *big.Int, inbound bool) ([]byte, error) {
	return agentABI.Events[EventAgentAction].Inputs.NonIndexed().Pack(action, amount, inbound)
}

// EncodeCreditReturn packs return values of a credit-score method. Used by fakes.
func EncodeCreditReturn(method string, vals ...*big.Int) ([]byte, error) {
	m, ok := creditScoreABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("unknown method %s", method)
	}
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return m.Outputs.Pack(args...)
}

// CreditMethodID returns the 4-byte selector for a credit-score method.
func CreditMethodID(method string) []byte {
	return creditScoreABI.Methods[method].ID
}
