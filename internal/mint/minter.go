// Package mint 调用 NFT 合约铸造 owner 的 guardian token，并把铸造出的编号写入 checkpoint。
package mint

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"guardian-bootstrap/internal/checkpoint"
	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/web3"
	"guardian-bootstrap/pkg/logger"
)

// 默认参数。
const (
	DefaultGas            uint64 = 1_500_000
	DefaultReceiptTimeout        = 240 * time.Second
)

// Options 描述铸造调用。
type Options struct {
	Function       string
	Count          int64
	PricePerNFT    *big.Int
	Gas            uint64
	ReceiptTimeout time.Duration
}

// Minter 执行一次铸造交易。
type Minter struct {
	tx    *web3.Transactor
	nft   *web3.NFT
	store checkpoint.Store
	opts  Options
	log   *slog.Logger
}

// NewMinter 创建铸造器。
func NewMinter(tx *web3.Transactor, nft *web3.NFT, store checkpoint.Store, opts Options) (*Minter, error) {
	if opts.Function == "" {
		opts.Function = "mint"
	}
	if opts.Count <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "mint.count 必须大于 0")
	}
	if opts.PricePerNFT == nil {
		opts.PricePerNFT = new(big.Int)
	}
	if opts.Gas == 0 {
		opts.Gas = DefaultGas
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = DefaultReceiptTimeout
	}
	return &Minter{tx: tx, nft: nft, store: store, opts: opts, log: logger.Named("mint")}, nil
}

// Mint 发送铸造交易并等待回执，返回回执中转给 owner 的 token 编号。
// 解析不到编号时返回空列表，需要在配置中手动提供 token_ids。
func (m *Minter) Mint(ctx context.Context, owner web3.Identity) ([]*big.Int, error) {
	count := big.NewInt(m.opts.Count)
	data, err := m.nft.PackMint(m.opts.Function, count)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", m.opts.Function, err)
	}
	value := new(big.Int).Mul(m.opts.PricePerNFT, count)

	client := m.tx.Client()
	nonce, err := client.PendingNonce(ctx, owner.Address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransient, err, "查询 owner nonce 失败")
	}
	hash, err := m.tx.Submit(ctx, owner, web3.TxRequest{
		Label: "mint",
		To:    m.nft.Address(),
		Value: value,
		Gas:   m.opts.Gas,
		Nonce: nonce,
		Data:  data,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("mint submitted, waiting for receipt",
		slog.String("tx", hash.Hex()),
		slog.Int64("count", m.opts.Count),
		slog.String("value", web3.FormatEther(value)),
	)

	receipt, err := client.WaitReceipt(ctx, hash, m.opts.ReceiptTimeout)
	if err != nil {
		return nil, fmt.Errorf("等待铸造回执失败: %w", err)
	}
	if web3.Reverted(receipt) {
		return nil, xerrors.New(xerrors.CodeChainReverted, fmt.Sprintf("铸造交易 %s 执行失败", hash.Hex()))
	}

	var ids []*big.Int
	for _, log := range receipt.Logs {
		if log == nil {
			continue
		}
		if transfer, ok := m.nft.ParseTransfer(*log); ok && transfer.To == owner.Address {
			ids = append(ids, transfer.TokenID)
		}
	}
	if len(ids) == 0 {
		m.log.Warn("no token ids in mint receipt; provide token_ids manually", slog.String("tx", hash.Hex()))
		return nil, nil
	}
	if err := m.store.SaveTokens(ctx, ids); err != nil {
		return ids, fmt.Errorf("保存铸造结果失败: %w", err)
	}
	m.log.Info("minted", slog.Any("ids", ids))
	return ids, nil
}
