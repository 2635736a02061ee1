// Package delegation submits the approve + delegate pairs that hand operating
// authority over each token from the owner to the burner.
package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/web3"
	"guardian-bootstrap/pkg/logger"
)

// Default gas budgets.
const (
	DefaultApproveGas     uint64 = 250_000
	DefaultDelegateGas    uint64 = 600_000
	DefaultReceiptTimeout        = 240 * time.Second
)

// Options tunes the sequence.
type Options struct {
	ApproveGas  uint64
	DelegateGas uint64
	// Confirm waits for every receipt once the whole sequence is submitted.
	Confirm        bool
	ReceiptTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.ApproveGas == 0 {
		o.ApproveGas = DefaultApproveGas
	}
	if o.DelegateGas == 0 {
		o.DelegateGas = DefaultDelegateGas
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = DefaultReceiptTimeout
	}
}

// Sequencer owns the owner's nonce sequence for the duration of one call.
type Sequencer struct {
	tx   *web3.Transactor
	opts Options
	log  *slog.Logger
}

// NewSequencer builds a sequencer submitting through tx.
func NewSequencer(tx *web3.Transactor, opts Options) *Sequencer {
	opts.applyDefaults()
	return &Sequencer{tx: tx, opts: opts, log: logger.Named("delegation")}
}

// Delegate submits approve(hub, id) followed by delegate(id, burner) for each
// token in order, at consecutive nonces starting from the owner's pending
// nonce. Submissions do not wait for receipts unless Confirm is set. A send
// failure stops the sequence; the submissions made so far are returned with
// the error.
func (s *Sequencer) Delegate(ctx context.Context, owner web3.Identity, hub *web3.Hub, nft *web3.NFT, tokens []*big.Int, burner common.Address) ([]web3.Submission, error) {
	if !owner.HasKey() {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, web3.ErrNoSigningKey, "委托需要 owner 私钥")
	}
	if len(tokens) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有需要委托的 token")
	}

	client := s.tx.Client()
	start, err := client.PendingNonce(ctx, owner.Address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransient, err, "查询 owner nonce 失败")
	}
	gasPrice, err := client.GasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransient, err, "获取 gas price 失败")
	}

	seq := web3.NewNonceSequence(start)
	s.log.Info("delegation sequence",
		slog.String("owner", owner.Address.Hex()),
		slog.String("burner", burner.Hex()),
		slog.Int("tokens", len(tokens)),
		slog.Uint64("first_nonce", start),
	)

	submissions := make([]web3.Submission, 0, 2*len(tokens))
	for _, id := range tokens {
		approve, err := nft.PackApprove(hub.Address(), id)
		if err != nil {
			return submissions, fmt.Errorf("编码 approve(%s) 失败: %w", id, err)
		}
		delegate, err := hub.PackDelegate(id, burner)
		if err != nil {
			return submissions, fmt.Errorf("编码 delegate(%s) 失败: %w", id, err)
		}

		steps := []struct {
			label string
			to    common.Address
			gas   uint64
			data  []byte
		}{
			{"approve", nft.Address(), s.opts.ApproveGas, approve},
			{"delegate", hub.Address(), s.opts.DelegateGas, delegate},
		}
		for _, step := range steps {
			nonce := seq.Next()
			hash, err := s.tx.Submit(ctx, owner, web3.TxRequest{
				Label:    step.label,
				To:       step.to,
				Gas:      step.gas,
				GasPrice: gasPrice,
				Nonce:    nonce,
				Data:     step.data,
			})
			if err != nil {
				return submissions, fmt.Errorf("token %s 的 %s 交易 (nonce %d) 发送失败: %w", id, step.label, nonce, err)
			}
			s.log.Info("submitted",
				slog.String("label", step.label),
				slog.String("token", id.String()),
				slog.Uint64("nonce", nonce),
				slog.String("tx", hash.Hex()),
			)
			submissions = append(submissions, web3.Submission{
				Label:   step.label,
				TokenID: new(big.Int).Set(id),
				Nonce:   nonce,
				To:      step.to,
				Hash:    hash,
			})
		}
	}

	if s.opts.Confirm {
		if err := s.confirm(ctx, submissions); err != nil {
			return submissions, err
		}
	}
	return submissions, nil
}

// confirm waits for every receipt. Reverted transactions are reported, never
// resubmitted.
func (s *Sequencer) confirm(ctx context.Context, submissions []web3.Submission) error {
	client := s.tx.Client()
	var reverted []string
	for _, sub := range submissions {
		receipt, err := client.WaitReceipt(ctx, sub.Hash, s.opts.ReceiptTimeout)
		if err != nil {
			return fmt.Errorf("等待 %s(%s) 回执失败: %w", sub.Label, sub.TokenID, err)
		}
		if web3.Reverted(receipt) {
			reverted = append(reverted, fmt.Sprintf("%s(%s) %s", sub.Label, sub.TokenID, sub.Hash.Hex()))
			continue
		}
		s.log.Info("confirmed", slog.String("label", sub.Label), slog.String("token", sub.TokenID.String()), slog.String("tx", sub.Hash.Hex()))
	}
	if len(reverted) > 0 {
		return xerrors.New(xerrors.CodeChainReverted, fmt.Sprintf("交易执行失败: %v", reverted))
	}
	return nil
}
