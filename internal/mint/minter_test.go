package mint

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/web3"
	"guardian-bootstrap/internal/web3/chaintest"
)

var nftAddress = common.HexToAddress("0x00000000000000000000000000000000000000f1")

type memoryStore struct {
	tokens []*big.Int
}

func (m *memoryStore) LoadBurner(context.Context) (common.Address, bool) { return common.Address{}, false }
func (m *memoryStore) SaveBurner(context.Context, common.Address) error { return nil }
func (m *memoryStore) LoadTokens(context.Context) []*big.Int { return m.tokens }
func (m *memoryStore) Close() error { return nil }
func (m *memoryStore) SaveTokens(_ context.Context, tokens []*big.Int) error {
	m.tokens = tokens
	return nil
}

func newMinter(t *testing.T, chain *chaintest.FakeChain, store *memoryStore, opts Options) *Minter {
	t.Helper()
	nft, err := web3.NewNFT(chain, nftAddress, "")
	if err != nil {
		t.Fatalf("new nft: %v", err)
	}
	m, err := NewMinter(web3.NewTransactor(chain, big.NewInt(1337)), nft, store, opts)
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}
	return m
}

func TestMintParsesTransfersAndCheckpoints(t *testing.T) {
	key, _ := crypto.GenerateKey()
	owner := web3.NewIdentity(key)
	chain := chaintest.New(1337, 10)
	chain.OnReceipt(func(tx *types.Transaction) *types.Receipt {
		first := chaintest.TransferLog(nftAddress, common.Address{}, owner.Address, big.NewInt(42), 10)
		second := chaintest.TransferLog(nftAddress, common.Address{}, owner.Address, big.NewInt(43), 10)
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), Logs: []*types.Log{&first, &second}}
	})
	store := &memoryStore{}
	price, _ := web3.ParseEther("0.01")

	ids, err := newMinter(t, chain, store, Options{Function: "publicMint", Count: 2, PricePerNFT: price}).Mint(context.Background(), owner)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(ids) != 2 || ids[0].Int64() != 42 || ids[1].Int64() != 43 {
		t.Fatalf("unexpected ids %v", ids)
	}
	if len(store.tokens) != 2 {
		t.Fatalf("expected ids to be checkpointed, got %v", store.tokens)
	}

	sent := chain.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one mint tx, got %d", len(sent))
	}
	if sent[0].Gas() != DefaultGas || sent[0].Value().Cmp(new(big.Int).Mul(price, big.NewInt(2))) != 0 {
		t.Fatalf("unexpected gas %d value %s", sent[0].Gas(), sent[0].Value())
	}
}

func TestMintWithoutParsableIDs(t *testing.T) {
	key, _ := crypto.GenerateKey()
	store := &memoryStore{}
	ids, err := newMinter(t, chaintest.New(1337, 10), store, Options{Count: 1}).Mint(context.Background(), web3.NewIdentity(key))
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected an empty result without error, got %v (%v)", ids, err)
	}
	if store.tokens != nil {
		t.Fatal("nothing should be checkpointed")
	}
}

func TestMintRevertIsSurfaced(t *testing.T) {
	key, _ := crypto.GenerateKey()
	chain := chaintest.New(1337, 10)
	chain.OnReceipt(func(tx *types.Transaction) *types.Receipt {
		return &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: tx.Hash()}
	})
	_, err := newMinter(t, chain, &memoryStore{}, Options{Count: 1}).Mint(context.Background(), web3.NewIdentity(key))
	if xerrors.CodeOf(err) != xerrors.CodeChainReverted {
		t.Fatalf("expected CHAIN_REVERTED, got %v", err)
	}
}
