// Package tokens 按优先级发现 owner 持有的 NFT 编号：checkpoint、链上 Transfer
// 事件（经 ownerOf 确认）、静态配置。
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"guardian-bootstrap/internal/checkpoint"
	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/web3"
	"guardian-bootstrap/pkg/logger"
)

// DefaultWindowBlocks 为链上发现默认扫描的区块数。
const DefaultWindowBlocks uint64 = 50000

// ErrNoTokens 表示三种来源都没有找到 token。
var ErrNoTokens = errors.New("no tokens found")

// Source 标记结果来自哪一级。
type Source string

const (
	SourceCheckpoint Source = "checkpoint"
	SourceChain      Source = "chain"
	SourceStatic     Source = "static"
)

// Chain 是发现过程需要的 NFT 合约读能力，*web3.NFT 实现了该接口。
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransfersTo(ctx context.Context, owner common.Address, from, to uint64) ([]web3.Transfer, error)
	OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
}

// Options 控制发现行为。
type Options struct {
	// Auto 为 false 时跳过链上发现。
	Auto bool
	// WindowBlocks 为向前扫描的区块数，0 使用 DefaultWindowBlocks。
	WindowBlocks uint64
	// ChunkBlocks 限制单次日志查询跨度，0 表示一次查询整个窗口。
	ChunkBlocks uint64
	Static      []*big.Int
}

// Result 为发现结果。
type Result struct {
	Tokens []*big.Int
	Source Source
}

// Discoverer 执行 token 发现。
type Discoverer struct {
	store checkpoint.Store
	chain Chain
	opts  Options
	log   *slog.Logger
}

// NewDiscoverer 创建发现器。
func NewDiscoverer(store checkpoint.Store, chain Chain, opts Options) *Discoverer {
	if opts.WindowBlocks == 0 {
		opts.WindowBlocks = DefaultWindowBlocks
	}
	return &Discoverer{store: store, chain: chain, opts: opts, log: logger.Named("tokens")}
}

// Discover 返回 owner 的 token 列表。相同的链状态与 checkpoint 总是得到相同的结果。
func (d *Discoverer) Discover(ctx context.Context, owner common.Address) (Result, error) {
	if cached := d.store.LoadTokens(ctx); len(cached) > 0 {
		d.log.Info("tokens from checkpoint", slog.Int("count", len(cached)), slog.Any("ids", cached))
		return Result{Tokens: cached, Source: SourceCheckpoint}, nil
	}

	if d.opts.Auto {
		found, err := d.fromChain(ctx, owner)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			d.log.Warn("on-chain token discovery failed", slog.Any("error", err))
		} else if len(found) > 0 {
			d.log.Info("tokens from chain", slog.Int("count", len(found)), slog.Any("ids", found))
			return Result{Tokens: found, Source: SourceChain}, nil
		}
	}

	if static := checkpoint.Normalize(d.opts.Static); len(static) > 0 {
		d.log.Info("tokens from static configuration", slog.Int("count", len(static)), slog.Any("ids", static))
		return Result{Tokens: static, Source: SourceStatic}, nil
	}

	return Result{}, xerrors.Wrap(xerrors.CodeDiscoveryMiss, ErrNoTokens,
		fmt.Sprintf("未找到 %s 持有的 token，请在配置中提供 token_ids", owner.Hex()))
}

func (d *Discoverer) fromChain(ctx context.Context, owner common.Address) ([]*big.Int, error) {
	head, err := d.chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	var from uint64
	if head > d.opts.WindowBlocks {
		from = head - d.opts.WindowBlocks
	}
	span := d.opts.ChunkBlocks
	if span == 0 {
		span = head - from + 1
	}

	var candidates []*big.Int
	for start := from; start <= head; start += span {
		end := start + span - 1
		if end > head {
			end = head
		}
		transfers, err := d.chain.TransfersTo(ctx, owner, start, end)
		if err != nil {
			return nil, fmt.Errorf("查询区块 %d-%d 的 Transfer 事件失败: %w", start, end, err)
		}
		for _, tr := range transfers {
			candidates = append(candidates, tr.TokenID)
		}
	}

	candidates = checkpoint.Normalize(candidates)
	d.log.Info("transfer scan finished",
		slog.Uint64("from_block", from),
		slog.Uint64("to_block", head),
		slog.Int("candidates", len(candidates)),
	)

	confirmed := make([]*big.Int, 0, len(candidates))
	for _, id := range candidates {
		current, err := d.chain.OwnerOf(ctx, id)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			d.log.Debug("ownerOf failed, dropping token", slog.String("token", id.String()), slog.Any("error", err))
			continue
		}
		if current != owner {
			d.log.Debug("token transferred away", slog.String("token", id.String()), slog.String("owner", current.Hex()))
			continue
		}
		confirmed = append(confirmed, id)
	}
	return confirmed, nil
}
