// Package retry 提供固定间隔、有限次数的重试策略，供余额轮询与水龙头申领复用。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "guardian-bootstrap/internal/errors"
)

// Policy 描述一次重试的预算。
type Policy struct {
	// Attempts 为总尝试次数，不足 1 时按 1 处理。
	Attempts int
	// Interval 为两次尝试之间的固定等待时间。
	Interval time.Duration
}

// Once 返回单次探测策略。
func Once() Policy {
	return Policy{Attempts: 1}
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Permanent 标记错误为不可重试，Do 会立即返回该错误。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do 以 1 开始的序号调用 op，直到成功、遇到不可重试错误、预算耗尽或 ctx
// 结束。预算耗尽时返回 CodeRetriesExhausted 并包装最后一次错误。
func Do(ctx context.Context, policy Policy, op func(attempt int) error) error {
	attempts := policy.attempts()
	attempt := 0

	operation := func() error {
		attempt++
		err := op(attempt)
		if err == nil {
			return nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return err
		}
		if !xerrors.RetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Interval), uint64(attempts-1)),
		ctx,
	)
	err := backoff.Retry(operation, b)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	if attempt >= attempts && xerrors.RetryableError(err) {
		return xerrors.Wrap(xerrors.CodeRetriesExhausted, err, fmt.Sprintf("重试 %d 次后仍失败", attempts))
	}
	return err
}
