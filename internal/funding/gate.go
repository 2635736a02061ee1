// Package funding 负责余额门控以及 owner / burner 的资金准备。
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/retry"
	"guardian-bootstrap/internal/web3"
	"guardian-bootstrap/pkg/logger"
)

var errBelowMinimum = errors.New("balance below minimum")

// BalanceReader 查询地址余额（单位 wei）。
type BalanceReader interface {
	Balance(ctx context.Context, address common.Address) (*big.Int, error)
}

// Gate 以固定间隔轮询余额，直到达到阈值或用尽尝试次数。
type Gate struct {
	reader BalanceReader
	log    *slog.Logger
}

// NewGate 创建余额门控。
func NewGate(reader BalanceReader) *Gate {
	return &Gate{reader: reader, log: logger.Named("funding")}
}

// AwaitBalance 在余额 >= minimum 时立即返回 true；恰好轮询 maxAttempts 次仍不足时返回 false。
// 查询失败计为一次未通过的轮询。maxAttempts 为 1 即单次探测。
func (g *Gate) AwaitBalance(ctx context.Context, address common.Address, minimum *big.Int, maxAttempts int, interval time.Duration) bool {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	policy := retry.Policy{Attempts: maxAttempts, Interval: interval}
	err := retry.Do(ctx, policy, func(attempt int) error {
		balance, err := g.reader.Balance(ctx, address)
		if err != nil {
			g.log.Warn("balance query failed",
				slog.String("address", address.Hex()),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", maxAttempts),
				slog.Any("error", err),
			)
			return xerrors.Wrap(xerrors.CodeTransient, err, "查询余额失败")
		}
		g.log.Info("balance check",
			slog.String("address", address.Hex()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.String("balance", web3.FormatEther(balance)),
			slog.String("required", web3.FormatEther(minimum)),
		)
		if balance.Cmp(minimum) < 0 {
			return xerrors.Wrap(xerrors.CodeTransient, errBelowMinimum,
				fmt.Sprintf("余额 %s 低于要求的 %s", web3.FormatEther(balance), web3.FormatEther(minimum)))
		}
		return nil
	})
	return err == nil
}
