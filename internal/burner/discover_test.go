package burner

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/worker/workertest"
)

type recordingStore struct {
	mu      sync.Mutex
	burners []common.Address
	saveErr error
}

func (s *recordingStore) LoadBurner(context.Context) (common.Address, bool) { return common.Address{}, false }
func (s *recordingStore) LoadTokens(context.Context) []*big.Int { return nil }
func (s *recordingStore) SaveTokens(context.Context, []*big.Int) error { return nil }
func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) SaveBurner(_ context.Context, burner common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.burners = append(s.burners, burner)
	return nil
}

func (s *recordingStore) saved() []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]common.Address(nil), s.burners...)
}

const announced = `2025-01-01T00:00:03Z INFO Using burner wallet {"address": "0xabcdef0123456789abcdef0123456789abcdef01"}`

func TestDiscoverMatchesAndCheckpoints(t *testing.T) {
	rt := workertest.New()
	rt.SetLogs([]string{
		"starting guardian",
		"loading cache",
		"connecting to rpc",
		announced,
		`Using burner wallet {"address": "0x1111111111111111111111111111111111111111"}`,
	}, time.Millisecond, true)
	store := &recordingStore{}

	got, err := NewDiscoverer(rt, store, 0).Discover(context.Background(), "guardian_worker1", 5*time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	want := common.HexToAddress("0xabcdef0123456789abcdef0123456789abcdef01")
	if got != want {
		t.Fatalf("unexpected burner %s", got.Hex())
	}
	if saved := store.saved(); len(saved) != 1 || saved[0] != want {
		t.Fatalf("expected the first match to be checkpointed, got %v", saved)
	}
	if tails := rt.Tails(); len(tails) != 1 || tails[0] != DefaultTail {
		t.Fatalf("unexpected tail %v", tails)
	}
}

func TestDiscoverTimesOutWithoutWriting(t *testing.T) {
	cases := []struct {
		name string
		hold bool
	}{
		{"stream stays open", true},
		{"stream ends early", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := workertest.New()
			rt.SetLogs([]string{"starting guardian", "still starting"}, time.Millisecond, tc.hold)
			store := &recordingStore{}

			timeout := 200 * time.Millisecond
			start := time.Now()
			_, err := NewDiscoverer(rt, store, 10).Discover(context.Background(), "w", timeout)
			elapsed := time.Since(start)

			if !errors.Is(err, ErrTimeout) || xerrors.CodeOf(err) != xerrors.CodeDiscoveryMiss {
				t.Fatalf("expected a discovery timeout, got %v", err)
			}
			if elapsed < timeout || elapsed > timeout+500*time.Millisecond {
				t.Fatalf("timeout returned after %s, want about %s", elapsed, timeout)
			}
			if saved := store.saved(); len(saved) != 0 {
				t.Fatalf("timeout must not write a checkpoint, got %v", saved)
			}
		})
	}
}

func TestDiscoverSurfacesCheckpointFailure(t *testing.T) {
	rt := workertest.New()
	rt.SetLogs([]string{announced}, time.Millisecond, true)
	store := &recordingStore{saveErr: xerrors.New(xerrors.CodeStorageFailure, "disk full")}

	_, err := NewDiscoverer(rt, store, 0).Discover(context.Background(), "w", time.Second)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestParseLine(t *testing.T) {
	if _, ok := ParseLine(`Using burner wallet {"address": "0x1234"}`); ok {
		t.Fatal("short addresses must be rejected")
	}
	if _, ok := ParseLine(`burner {"address": "0xabcdef0123456789abcdef0123456789abcdef01"}`); ok {
		t.Fatal("lines without the announcement prefix must be ignored")
	}
	if _, ok := ParseLine(announced); !ok {
		t.Fatal("expected the announcement to match")
	}
}
