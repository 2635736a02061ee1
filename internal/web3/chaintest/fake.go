// Package chaintest provides an in-memory web3.Client for exercising the
// pipeline without a node.
package chaintest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"guardian-bootstrap/internal/web3"
)

var ownerOfSelector = crypto.Keccak256([]byte("ownerOf(uint256)"))[:4]

// ErrReverted mimics a node rejecting an eth_call.
var ErrReverted = errors.New("execution reverted")

// FakeChain is a scriptable web3.Client. The zero value is not usable; call
// New.
type FakeChain struct {
	mu sync.Mutex

	chainID  *big.Int
	head     uint64
	gasPrice *big.Int

	balances     map[common.Address][]*big.Int
	credits      map[common.Address]*big.Int
	balanceCalls map[common.Address]int
	balanceErr   error

	nonces map[common.Address]uint64
	owners map[string]common.Address
	logs   []types.Log
	logErr error

	sent     []*types.Transaction
	sendErr  func(tx *types.Transaction) error
	receipts func(tx *types.Transaction) *types.Receipt
	queries  []gethcore.FilterQuery
}

// New returns an empty chain at the given head.
func New(chainID int64, head uint64) *FakeChain {
	return &FakeChain{
		chainID:      big.NewInt(chainID),
		head:         head,
		gasPrice:     big.NewInt(1_000_000_000),
		balances:     make(map[common.Address][]*big.Int),
		credits:      make(map[common.Address]*big.Int),
		balanceCalls: make(map[common.Address]int),
		nonces:       make(map[common.Address]uint64),
		owners:       make(map[string]common.Address),
	}
}

// ScriptBalance sets the balances returned by successive Balance calls for
// address. The last value repeats once the script is exhausted.
func (f *FakeChain) ScriptBalance(address common.Address, wei ...*big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = append([]*big.Int(nil), wei...)
}

// FailBalances makes every Balance call return err.
func (f *FakeChain) FailBalances(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceErr = err
}

// SetNonce sets the pending nonce of address.
func (f *FakeChain) SetNonce(address common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[address] = nonce
}

// SetOwner records the current owner of a token for ownerOf calls.
func (f *FakeChain) SetOwner(tokenID int64, owner common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[big.NewInt(tokenID).String()] = owner
}

// AddTransferLog appends an ERC-721 Transfer log.
func (f *FakeChain) AddTransferLog(contract, from, to common.Address, tokenID int64, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, TransferLog(contract, from, to, big.NewInt(tokenID), block))
}

// FailLogs makes FilterLogs return err.
func (f *FakeChain) FailLogs(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logErr = err
}

// OnSend installs a hook deciding whether a submission is rejected.
func (f *FakeChain) OnSend(hook func(tx *types.Transaction) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = hook
}

// OnReceipt installs a hook building the receipt of a submitted transaction.
// Without a hook every transaction succeeds with no logs.
func (f *FakeChain) OnReceipt(hook func(tx *types.Transaction) *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = hook
}

// Sent returns the accepted transactions in submission order.
func (f *FakeChain) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// BalanceCalls returns how many times Balance was queried for address.
func (f *FakeChain) BalanceCalls(address common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceCalls[address]
}

// Queries returns the log filters received so far.
func (f *FakeChain) Queries() []gethcore.FilterQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gethcore.FilterQuery(nil), f.queries...)
}

// ChainID implements web3.Client.
func (f *FakeChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

// Balance implements web3.Client.
func (f *FakeChain) Balance(_ context.Context, address common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls[address]++
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	value := new(big.Int)
	if script := f.balances[address]; len(script) > 0 {
		value.Set(script[0])
		if len(script) > 1 {
			f.balances[address] = script[1:]
		}
	}
	if credit, ok := f.credits[address]; ok {
		value.Add(value, credit)
	}
	return value, nil
}

// BlockNumber implements web3.Client.
func (f *FakeChain) BlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

// PendingNonce implements web3.Client.
func (f *FakeChain) PendingNonce(_ context.Context, address common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[address], nil
}

// GasPrice implements web3.Client.
func (f *FakeChain) GasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

// Call implements web3.Client. Only ownerOf is understood.
func (f *FakeChain) Call(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	if len(data) != 36 || !bytes.Equal(data[:4], ownerOfSelector) {
		return nil, fmt.Errorf("unsupported call %x", data)
	}
	id := new(big.Int).SetBytes(data[4:])
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[id.String()]
	if !ok {
		return nil, ErrReverted
	}
	return common.LeftPadBytes(owner.Bytes(), 32), nil
}

// FilterLogs implements web3.Client.
func (f *FakeChain) FilterLogs(_ context.Context, query gethcore.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.logErr != nil {
		return nil, f.logErr
	}
	var out []types.Log
	for _, log := range f.logs {
		if matches(query, log) {
			out = append(out, log)
		}
	}
	return out, nil
}

// SendTransaction implements web3.Client. Value transfers credit the
// recipient's balance and every accepted transaction advances the sender's
// pending nonce.
func (f *FakeChain) SendTransaction(_ context.Context, tx *types.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(tx); err != nil {
			return common.Hash{}, err
		}
	}
	sender, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid sender: %w", err)
	}
	f.sent = append(f.sent, tx)
	if tx.Nonce() >= f.nonces[sender] {
		f.nonces[sender] = tx.Nonce() + 1
	}
	if tx.To() != nil && tx.Value().Sign() > 0 {
		credit, ok := f.credits[*tx.To()]
		if !ok {
			credit = new(big.Int)
			f.credits[*tx.To()] = credit
		}
		credit.Add(credit, tx.Value())
	}
	return tx.Hash(), nil
}

// WaitReceipt implements web3.Client.
func (f *FakeChain) WaitReceipt(_ context.Context, hash common.Hash, _ time.Duration) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() != hash {
			continue
		}
		if f.receipts != nil {
			if receipt := f.receipts(tx); receipt != nil {
				return receipt, nil
			}
		}
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: new(big.Int).SetUint64(f.head)}, nil
	}
	return nil, gethcore.NotFound
}

// Close implements web3.Client.
func (f *FakeChain) Close() {}

// TransferLog builds an ERC-721 Transfer log.
func TransferLog(contract, from, to common.Address, tokenID *big.Int, block uint64) types.Log {
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(tokenID),
		},
		BlockNumber: block,
	}
}

func matches(query gethcore.FilterQuery, log types.Log) bool {
	if query.FromBlock != nil && log.BlockNumber < query.FromBlock.Uint64() {
		return false
	}
	if query.ToBlock != nil && log.BlockNumber > query.ToBlock.Uint64() {
		return false
	}
	if len(query.Addresses) > 0 {
		found := false
		for _, addr := range query.Addresses {
			if addr == log.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, alternatives := range query.Topics {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(log.Topics) {
			return false
		}
		found := false
		for _, topic := range alternatives {
			if topic == log.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ web3.Client = (*FakeChain)(nil)
