package tokens

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/web3"
	"guardian-bootstrap/internal/web3/chaintest"
)

var (
	nftAddress = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	owner      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

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

func ids(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

func assertIDs(t *testing.T, got []*big.Int, want ...int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i].Int64() != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// newChain confirms tokens 5 and 7 for owner; token 8 was received but has
// since moved to a stranger.
func newChain(t *testing.T) (*chaintest.FakeChain, *web3.NFT) {
	t.Helper()
	chain := chaintest.New(1, 60000)
	chain.AddTransferLog(nftAddress, common.Address{}, owner, 7, 59000)
	chain.AddTransferLog(nftAddress, common.Address{}, owner, 5, 20000)
	chain.AddTransferLog(nftAddress, stranger, owner, 7, 59500)
	chain.AddTransferLog(nftAddress, common.Address{}, owner, 8, 30000)
	chain.AddTransferLog(nftAddress, common.Address{}, owner, 3, 5000)
	chain.SetOwner(5, owner)
	chain.SetOwner(7, owner)
	chain.SetOwner(8, stranger)
	chain.SetOwner(3, owner)
	nft, err := web3.NewNFT(chain, nftAddress, "")
	if err != nil {
		t.Fatalf("new nft: %v", err)
	}
	return chain, nft
}

func TestPriorityCheckpointWins(t *testing.T) {
	_, nft := newChain(t)
	d := NewDiscoverer(&memoryStore{tokens: ids(5)}, nft, Options{Auto: true, Static: ids(9)})

	result, err := d.Discover(context.Background(), owner)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if result.Source != SourceCheckpoint {
		t.Fatalf("unexpected source %s", result.Source)
	}
	assertIDs(t, result.Tokens, 5)
}

func TestChainDiscoveryConfirmsOwnership(t *testing.T) {
	_, nft := newChain(t)
	d := NewDiscoverer(&memoryStore{}, nft, Options{Auto: true, Static: ids(9)})

	result, err := d.Discover(context.Background(), owner)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if result.Source != SourceChain {
		t.Fatalf("unexpected source %s", result.Source)
	}
	// token 3 is outside the 50000-block window, token 8 was transferred away
	assertIDs(t, result.Tokens, 5, 7)

	again, err := d.Discover(context.Background(), owner)
	if err != nil {
		t.Fatalf("second discover: %v", err)
	}
	assertIDs(t, again.Tokens, 5, 7)
}

func TestChunkedQueriesCoverWindow(t *testing.T) {
	chain, nft := newChain(t)
	d := NewDiscoverer(&memoryStore{}, nft, Options{Auto: true, WindowBlocks: 50000, ChunkBlocks: 20000})

	result, err := d.Discover(context.Background(), owner)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	assertIDs(t, result.Tokens, 5, 7)

	queries := chain.Queries()
	if len(queries) != 3 {
		t.Fatalf("expected 3 chunked queries, got %d", len(queries))
	}
	if queries[0].FromBlock.Uint64() != 10000 || queries[2].ToBlock.Uint64() != 60000 {
		t.Fatalf("unexpected query bounds %v-%v", queries[0].FromBlock, queries[2].ToBlock)
	}
	for i := 1; i < len(queries); i++ {
		if queries[i].FromBlock.Uint64() != queries[i-1].ToBlock.Uint64()+1 {
			t.Fatalf("chunks %d and %d are not contiguous", i-1, i)
		}
	}
}

func TestFallsBackToStatic(t *testing.T) {
	chain, nft := newChain(t)
	chain.FailLogs(errors.New("query returned more than 10000 results"))
	d := NewDiscoverer(&memoryStore{}, nft, Options{Auto: true, Static: ids(9, 4, 9)})

	result, err := d.Discover(context.Background(), owner)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if result.Source != SourceStatic {
		t.Fatalf("unexpected source %s", result.Source)
	}
	assertIDs(t, result.Tokens, 4, 9)
}

func TestAutoDisabledSkipsChain(t *testing.T) {
	chain, nft := newChain(t)
	d := NewDiscoverer(&memoryStore{}, nft, Options{Auto: false, Static: ids(9)})
	result, err := d.Discover(context.Background(), owner)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	assertIDs(t, result.Tokens, 9)
	if len(chain.Queries()) != 0 {
		t.Fatal("chain must not be queried when auto discovery is off")
	}
}

func TestNothingFound(t *testing.T) {
	chain := chaintest.New(1, 100)
	nft, err := web3.NewNFT(chain, nftAddress, "")
	if err != nil {
		t.Fatalf("new nft: %v", err)
	}
	_, err = NewDiscoverer(&memoryStore{}, nft, Options{Auto: true}).Discover(context.Background(), owner)
	if !errors.Is(err, ErrNoTokens) || xerrors.CodeOf(err) != xerrors.CodeDiscoveryMiss {
		t.Fatalf("expected ErrNoTokens, got %v", err)
	}
}
