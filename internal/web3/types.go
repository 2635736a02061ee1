package web3

import (
	"context"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Client defines the chain operations the pipeline relies on. Implementations
// must be safe for sequential use; the pipeline never calls them concurrently.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, address common.Address) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
	FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]types.Log, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
	Close()
}

// Submission records one transaction handed to the node.
type Submission struct {
	Label   string
	TokenID *big.Int
	Nonce   uint64
	To      common.Address
	Hash    common.Hash
}

// Reverted reports whether a mined receipt indicates failed execution.
func Reverted(receipt *types.Receipt) bool {
	return receipt != nil && receipt.Status == types.ReceiptStatusFailed
}
