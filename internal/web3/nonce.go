package web3

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/flock"

	xerrors "guardian-bootstrap/internal/errors"
)

// NonceSequence hands out consecutive nonces for one signing identity. It is
// single-writer: exactly one sequence may exist per identity at a time, and
// every Next call must be followed by exactly one submission.
type NonceSequence struct {
	next uint64
}

// NewNonceSequence starts a sequence at the identity's pending nonce.
func NewNonceSequence(start uint64) *NonceSequence {
	return &NonceSequence{next: start}
}

// Next returns the nonce for the next submission and advances the sequence.
func (s *NonceSequence) Next() uint64 {
	n := s.next
	s.next++
	return n
}

// Peek returns the nonce Next would hand out without consuming it.
func (s *NonceSequence) Peek() uint64 {
	return s.next
}

// OwnerLock is an advisory cross-process lock on one owner identity.
type OwnerLock struct {
	fl *flock.Flock
}

// LockOwner takes the lock file for owner under dir without blocking. It
// fails with CodeOwnerLocked when another process holds it.
func LockOwner(dir string, owner common.Address) (*OwnerLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建锁目录失败")
	}
	path := filepath.Join(dir, "owner-"+strings.ToLower(owner.Hex())+".lock")
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("获取锁 %s 失败", path))
	}
	if !locked {
		return nil, xerrors.New(xerrors.CodeOwnerLocked, fmt.Sprintf("owner %s 正被另一个流水线使用 (%s)", owner.Hex(), path))
	}
	return &OwnerLock{fl: fl}, nil
}

// Release drops the lock.
func (l *OwnerLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
