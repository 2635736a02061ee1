package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/web3"
	"guardian-bootstrap/pkg/logger"
)

const defaultReceiptPoll = 2 * time.Second

// Config describes how to construct an EVM compatible client.
type Config struct {
	RPCURL      string
	ReceiptPoll time.Duration
	DialTimeout time.Duration
}

// Backend mirrors the subset of ethclient methods the facade needs. Both
// *ethclient.Client and the go-ethereum simulated backend client satisfy it.
type Backend interface {
	gethcore.ChainIDReader
	gethcore.BlockNumberReader
	gethcore.ContractCaller
	gethcore.GasPricer
	gethcore.LogFilterer
	gethcore.TransactionSender
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	backend     Backend
	receiptPoll time.Duration
	mu          sync.Mutex
}

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置 RPC 地址")
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	rpcClient, err := gethrpc.DialContext(dialCtx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransient, err, "连接 RPC 节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	return &Client{
		rpcClient:   rpcClient,
		eth:         eth,
		backend:     eth,
		receiptPoll: pollOrDefault(cfg.ReceiptPoll),
	}, nil
}

// NewBackendClient wraps an existing backend, typically a simulated one in
// tests.
func NewBackendClient(backend Backend, receiptPoll time.Duration) *Client {
	return &Client{backend: backend, receiptPoll: pollOrDefault(receiptPoll)}
}

func pollOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultReceiptPoll
	}
	return d
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
		c.rpcClient = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID implements web3.Client.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	return id, nil
}

// Balance implements web3.Client.
func (c *Client) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// BlockNumber implements web3.Client.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	height, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return height, nil
}

// PendingNonce implements web3.Client.
func (c *Client) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// GasPrice implements web3.Client.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 gas price 失败: %w", err)
	}
	return price, nil
}

// Call implements web3.Client as a read-only eth_call at the latest block.
func (c *Client) Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call 失败: %w", err)
	}
	return out, nil
}

// FilterLogs implements web3.Client.
func (c *Client) FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error) {
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询日志失败: %w", err)
	}
	return logs, nil
}

// SendTransaction implements web3.Client.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, errors.New("没有可发送的交易")
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return tx.Hash(), nil
}

// WaitReceipt polls for the receipt of hash until it is mined or timeout
// elapses. Lookup errors such as "transaction indexing is in progress" are
// treated like a missing receipt; the last one is attached to the timeout.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*coretypes.Receipt, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) && ctx.Err() == nil {
			lastErr = err
			logger.Named("ethereum").Debug("查询交易回执失败，继续等待",
				slog.String("tx", hash.Hex()),
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			msg := fmt.Sprintf("等待交易 %s 回执超时", hash.Hex())
			if lastErr != nil {
				msg += fmt.Sprintf(" (最近一次错误: %v)", lastErr)
			}
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), msg)
		case <-ticker.C:
		}
	}
}

var _ web3.Client = (*Client)(nil)
