package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/web3"
)

func TestClientTransferAgainstSimulatedBackend(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := web3.NewIdentity(key)

	sim := simulated.NewBackend(types.GenesisAlloc{
		owner.Address: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	})
	t.Cleanup(func() { _ = sim.Close() })

	client := NewBackendClient(sim.Client(), 10*time.Millisecond)
	t.Cleanup(client.Close)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	nonce, err := client.PendingNonce(ctx, owner.Address)
	if err != nil || nonce != 0 {
		t.Fatalf("unexpected nonce %d (%v)", nonce, err)
	}

	burner := common.HexToAddress("0x00000000000000000000000000000000000b0b0b")
	amount := big.NewInt(250_000_000_000_000_000)
	hash, err := web3.NewTransactor(client, chainID).TransferNative(ctx, owner, burner, amount)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	sim.Commit()

	receipt, err := client.WaitReceipt(ctx, hash, 5*time.Second)
	if err != nil {
		t.Fatalf("wait receipt: %v", err)
	}
	if web3.Reverted(receipt) {
		t.Fatal("transfer unexpectedly reverted")
	}

	balance, err := client.Balance(ctx, burner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(amount) != 0 {
		t.Fatalf("expected burner balance %s, got %s", amount, balance)
	}

	height, err := client.BlockNumber(ctx)
	if err != nil || height == 0 {
		t.Fatalf("expected block height to advance, got %d (%v)", height, err)
	}
	nonce, err = client.PendingNonce(ctx, owner.Address)
	if err != nil || nonce != 1 {
		t.Fatalf("expected nonce 1 after transfer, got %d (%v)", nonce, err)
	}
}

func TestWaitReceiptTimesOut(t *testing.T) {
	t.Parallel()

	sim := simulated.NewBackend(types.GenesisAlloc{})
	t.Cleanup(func() { _ = sim.Close() })

	client := NewBackendClient(sim.Client(), 5*time.Millisecond)
	start := time.Now()
	_, err := client.WaitReceipt(context.Background(), common.HexToHash("0x01"), 50*time.Millisecond)
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("returned too early after %s", elapsed)
	}
}

// indexingBackend fails the first receipt lookups the way a node does while
// its transaction index is still being built.
type indexingBackend struct {
	Backend
	failures atomic.Int32
	calls    atomic.Int32
}

func (b *indexingBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b.calls.Add(1)
	if b.failures.Load() > 0 {
		b.failures.Add(-1)
		return nil, errors.New("transaction indexing is in progress")
	}
	return b.Backend.TransactionReceipt(ctx, hash)
}

func TestWaitReceiptRetriesLookupErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := web3.NewIdentity(key)
	sim := simulated.NewBackend(types.GenesisAlloc{
		owner.Address: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	})
	t.Cleanup(func() { _ = sim.Close() })

	backend := &indexingBackend{Backend: sim.Client()}
	client := NewBackendClient(backend, 5*time.Millisecond)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	hash, err := web3.NewTransactor(client, chainID).TransferNative(ctx, owner, common.HexToAddress("0x0b0b"), big.NewInt(1))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	sim.Commit()

	backend.failures.Store(2)
	receipt, err := client.WaitReceipt(ctx, hash, 5*time.Second)
	if err != nil {
		t.Fatalf("wait receipt: %v", err)
	}
	if receipt.TxHash != hash {
		t.Fatalf("unexpected receipt for %s", receipt.TxHash.Hex())
	}
	if backend.calls.Load() < 3 {
		t.Fatalf("expected at least 3 lookups, got %d", backend.calls.Load())
	}
}

func TestWaitReceiptTimeoutKeepsLastError(t *testing.T) {
	t.Parallel()

	sim := simulated.NewBackend(types.GenesisAlloc{})
	t.Cleanup(func() { _ = sim.Close() })

	backend := &indexingBackend{Backend: sim.Client()}
	backend.failures.Store(1 << 20)
	client := NewBackendClient(backend, 5*time.Millisecond)

	_, err := client.WaitReceipt(context.Background(), common.HexToHash("0x02"), 40*time.Millisecond)
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if !strings.Contains(err.Error(), "indexing is in progress") {
		t.Fatalf("expected the last lookup error in %v", err)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
