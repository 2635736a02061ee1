package checkpoint

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "guardian-bootstrap/internal/errors"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "workers", "guardian", "meta.json"), filepath.Join(dir, "minted_ids.json"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return store
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	if _, ok := store.LoadBurner(ctx); ok {
		t.Fatal("expected no burner before the first save")
	}
	if tokens := store.LoadTokens(ctx); len(tokens) != 0 {
		t.Fatalf("expected no tokens, got %v", tokens)
	}

	burner := common.HexToAddress("0xAbCdEf0123456789aBcDeF0123456789AbCdEf01")
	if err := store.SaveBurner(ctx, burner); err != nil {
		t.Fatalf("save burner: %v", err)
	}
	got, ok := store.LoadBurner(ctx)
	if !ok || got != burner {
		t.Fatalf("unexpected burner %s (%v)", got.Hex(), ok)
	}

	raw, err := os.ReadFile(store.BurnerPath())
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if string(raw) != "{\n  \"burner\": \""+burner.Hex()+"\"\n}" {
		t.Fatalf("unexpected meta.json content %s", raw)
	}

	if err := store.SaveTokens(ctx, []*big.Int{big.NewInt(5), big.NewInt(42)}); err != nil {
		t.Fatalf("save tokens: %v", err)
	}
	tokens := store.LoadTokens(ctx)
	if len(tokens) != 2 || tokens[0].Int64() != 5 || tokens[1].Int64() != 42 {
		t.Fatalf("unexpected tokens %v", tokens)
	}
}

func TestFileStoreTreatsCorruptFilesAsAbsent(t *testing.T) {
	ctx := context.Background()
	store := newFileStore(t)

	if err := os.MkdirAll(filepath.Dir(store.BurnerPath()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(store.BurnerPath(), []byte(`{"burner": "not-an-address"}`), 0o644); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if err := os.WriteFile(store.TokensPath(), []byte(`[1, "two"`), 0o644); err != nil {
		t.Fatalf("write tokens: %v", err)
	}

	if _, ok := store.LoadBurner(ctx); ok {
		t.Fatal("corrupt burner record must be treated as absent")
	}
	if tokens := store.LoadTokens(ctx); tokens != nil {
		t.Fatalf("corrupt token list must be treated as absent, got %v", tokens)
	}
}

func TestNormalizeDeduplicatesAndSorts(t *testing.T) {
	got := Normalize([]*big.Int{big.NewInt(9), big.NewInt(5), nil, big.NewInt(9), big.NewInt(7)})
	want := []int64{5, 7, 9}
	if len(got) != len(want) {
		t.Fatalf("unexpected result %v", got)
	}
	for i := range want {
		if got[i].Int64() != want[i] {
			t.Fatalf("unexpected result %v", got)
		}
	}
}

func TestNewFileStoreRequiresPaths(t *testing.T) {
	if _, err := NewFileStore("", "x"); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), RedisConfig{}); xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}

	addr := os.Getenv("GUARDIAN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GUARDIAN_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, RedisConfig{Address: addr, Prefix: "guardian-test:" + t.Name()})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	defer store.Close()
	defer store.client.Del(ctx, store.key("burner"), store.key("tokens"))

	burner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	if err := store.SaveBurner(ctx, burner); err != nil {
		t.Fatalf("save burner: %v", err)
	}
	if got, ok := store.LoadBurner(ctx); !ok || got != burner {
		t.Fatalf("unexpected burner %s (%v)", got.Hex(), ok)
	}
	if err := store.SaveTokens(ctx, []*big.Int{big.NewInt(3)}); err != nil {
		t.Fatalf("save tokens: %v", err)
	}
	if tokens := store.LoadTokens(ctx); len(tokens) != 1 || tokens[0].Int64() != 3 {
		t.Fatalf("unexpected tokens %v", tokens)
	}
}
