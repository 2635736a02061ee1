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
	"guardian-bootstrap/internal/faucet"
	"guardian-bootstrap/internal/web3"
)

// Role 区分需要准备资金的身份。
type Role string

const (
	RoleOwner  Role = "owner"
	RoleBurner Role = "burner"
)

// ErrInsufficient 表示所有资金来源都尝试后余额仍不足。
var ErrInsufficient = errors.New("insufficient balance")

// Claimer 向水龙头申领测试币。
type Claimer interface {
	Claim(ctx context.Context, address common.Address) error
}

// Transferer 从一个身份向地址转账原生币。
type Transferer interface {
	TransferNative(ctx context.Context, from web3.Identity, to common.Address, amount *big.Int) (common.Hash, error)
}

// Wait 描述耐心等待阶段的轮询预算。
type Wait struct {
	Attempts int
	Interval time.Duration
}

// Fallback 控制 burner 余额不足时由 owner 直接转账。
type Fallback struct {
	Enabled bool
	From    web3.Identity
	Amount  *big.Int
}

// Result 记录一次资金准备的过程。
type Result struct {
	Role         Role
	Address      common.Address
	Satisfied    bool
	FaucetErr    error
	FallbackHash *common.Hash
}

// Provisioner 依次执行单次探测、水龙头申领、耐心等待以及（仅 burner）owner 直接转账。
type Provisioner struct {
	gate     *Gate
	faucet   Claimer
	transfer Transferer
	wait     Wait
	fallback Fallback
}

// NewProvisioner 组装资金准备流程。transfer 仅在启用 fallback 时使用，可为 nil。
func NewProvisioner(gate *Gate, claimer Claimer, transfer Transferer, wait Wait, fallback Fallback) *Provisioner {
	return &Provisioner{gate: gate, faucet: claimer, transfer: transfer, wait: wait, fallback: fallback}
}

// Provision 确保 address 的余额不低于 minimum。owner 仍不足时返回 ErrInsufficient；
// burner 在允许 fallback 时改由 owner 转账，转账后余额仍未到账只记录告警并继续。
func (p *Provisioner) Provision(ctx context.Context, role Role, address common.Address, minimum *big.Int) (Result, error) {
	log := p.gate.log.With(slog.String("role", string(role)), slog.String("address", address.Hex()))
	result := Result{Role: role, Address: address}

	if p.gate.AwaitBalance(ctx, address, minimum, 1, 0) {
		result.Satisfied = true
		return result, nil
	}

	if p.faucet != nil {
		if err := p.faucet.Claim(ctx, address); err != nil {
			result.FaucetErr = err
			if errors.Is(err, faucet.ErrDisabled) {
				log.Info("faucet disabled, waiting for manual funding")
			} else {
				log.Warn("funding request failed", slog.Any("error", err))
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if p.gate.AwaitBalance(ctx, address, minimum, p.wait.Attempts, p.wait.Interval) {
		result.Satisfied = true
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if role != RoleBurner || !p.fallback.Enabled {
		return result, xerrors.Wrap(xerrors.CodeRetriesExhausted, ErrInsufficient,
			fmt.Sprintf("%s %s 余额低于 %s", role, address.Hex(), web3.FormatEther(minimum)))
	}
	if !p.fallback.From.HasKey() || p.transfer == nil {
		return result, xerrors.Wrap(xerrors.CodeConfiguration, web3.ErrNoSigningKey, "fallback 转账需要 owner 私钥")
	}

	log.Info("fallback transfer",
		slog.String("from", p.fallback.From.Address.Hex()),
		slog.String("amount", web3.FormatEther(p.fallback.Amount)),
	)
	hash, err := p.transfer.TransferNative(ctx, p.fallback.From, address, p.fallback.Amount)
	if err != nil {
		return result, fmt.Errorf("fallback 转账失败: %w", err)
	}
	result.FallbackHash = &hash

	if p.gate.AwaitBalance(ctx, address, minimum, p.wait.Attempts, p.wait.Interval) {
		result.Satisfied = true
	} else {
		log.Warn("balance still below minimum after fallback transfer, continuing",
			slog.String("tx", hash.Hex()),
			slog.String("required", web3.FormatEther(minimum)),
		)
	}
	return result, ctx.Err()
}
