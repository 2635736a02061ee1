package web3

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/pkg/logger"
)

// NativeTransferGas is the intrinsic gas of a plain value transfer.
const NativeTransferGas uint64 = 21000

// TxRequest describes a transaction before signing. A nil GasPrice is filled
// from the node's suggestion.
type TxRequest struct {
	Label    string
	To       common.Address
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
	Nonce    uint64
	Data     []byte
}

// Transactor signs and submits legacy transactions and writes one audit
// record per submission.
type Transactor struct {
	client  Client
	chainID *big.Int
}

// NewTransactor binds a transactor to a chain.
func NewTransactor(client Client, chainID *big.Int) *Transactor {
	return &Transactor{client: client, chainID: new(big.Int).Set(chainID)}
}

// Client returns the underlying chain client.
func (t *Transactor) Client() Client {
	return t.client
}

// ChainID returns the chain id used for signing.
func (t *Transactor) ChainID() *big.Int {
	return new(big.Int).Set(t.chainID)
}

// Submit signs req with from and sends it without waiting for a receipt.
func (t *Transactor) Submit(ctx context.Context, from Identity, req TxRequest) (common.Hash, error) {
	if !from.HasKey() {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeConfiguration, ErrNoSigningKey,
			fmt.Sprintf("%s 交易需要 %s 的私钥", req.Label, from.Address.Hex()))
	}
	gasPrice := req.GasPrice
	if gasPrice == nil {
		suggested, err := t.client.GasPrice(ctx)
		if err != nil {
			return common.Hash{}, xerrors.Wrap(xerrors.CodeTransient, err, "获取 gas price 失败")
		}
		gasPrice = suggested
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		GasPrice: gasPrice,
		Gas:      req.Gas,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := from.Sign(tx, t.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名 %s 交易失败: %w", req.Label, err)
	}
	hash, err := t.client.SendTransaction(ctx, signed)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeTransient, err, fmt.Sprintf("发送 %s 交易失败", req.Label))
	}
	logger.Audit().Info("transaction submitted",
		slog.String("label", req.Label),
		slog.String("from", from.Address.Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", req.Nonce),
		slog.String("value_wei", value.String()),
		slog.String("hash", hash.Hex()),
	)
	return hash, nil
}

// TransferNative moves amount wei from one identity to another at the
// sender's current pending nonce.
func (t *Transactor) TransferNative(ctx context.Context, from Identity, to common.Address, amount *big.Int) (common.Hash, error) {
	nonce, err := t.client.PendingNonce(ctx, from.Address)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeTransient, err, "查询 nonce 失败")
	}
	return t.Submit(ctx, from, TxRequest{
		Label: "fund",
		To:    to,
		Value: amount,
		Gas:   NativeTransferGas,
		Nonce: nonce,
	})
}
