// Package faucet 调用外部水龙头接口为地址申领测试币。
package faucet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/retry"
	"guardian-bootstrap/pkg/logger"
)

// ErrDisabled 表示水龙头已在配置中关闭，未发出任何请求。
var ErrDisabled = errors.New("faucet disabled")

// Config 描述水龙头接口。
type Config struct {
	Enabled      bool
	URL          string
	Method       string
	AddressField string
	Headers      map[string]string
	Payload      map[string]any
	Timeout      time.Duration
	MaxRetries   int
	Wait         time.Duration
}

// Client 申领测试币。
type Client struct {
	cfg  Config
	http *resty.Client
	log  *slog.Logger
}

// NewClient 根据配置创建客户端，启用时必须提供 URL。
func NewClient(cfg Config) (*Client, error) {
	cfg.Method = strings.ToUpper(strings.TrimSpace(cfg.Method))
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Method != http.MethodPost && cfg.Method != http.MethodGet {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("不支持的水龙头请求方法 %q", cfg.Method))
	}
	if cfg.AddressField == "" {
		cfg.AddressField = "address"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.Enabled && strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "已启用水龙头但未配置 URL")
	}

	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeaders(cfg.Headers)

	return &Client{cfg: cfg, http: httpClient, log: logger.Named("faucet")}, nil
}

// Enabled 报告水龙头是否启用。
func (c *Client) Enabled() bool {
	return c.cfg.Enabled
}

// ClaimOnce 发出一次申领请求，任何 2xx 响应都视为成功。
func (c *Client) ClaimOnce(ctx context.Context, address common.Address) error {
	payload := make(map[string]any, len(c.cfg.Payload)+1)
	for k, v := range c.cfg.Payload {
		payload[k] = v
	}
	payload[c.cfg.AddressField] = address.Hex()

	req := c.http.R().SetContext(ctx)
	var (
		resp *resty.Response
		err  error
	)
	if c.cfg.Method == http.MethodGet {
		params := make(map[string]string, len(payload))
		for k, v := range payload {
			params[k] = fmt.Sprint(v)
		}
		resp, err = req.SetQueryParams(params).Get(c.cfg.URL)
	} else {
		resp, err = req.SetBody(payload).Post(c.cfg.URL)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransient, err, "水龙头请求失败")
	}

	body := resp.String()
	if len(body) > 200 {
		body = body[:200]
	}
	c.log.Info("faucet response", slog.Int("status", resp.StatusCode()), slog.String("body", body))
	if !resp.IsSuccess() {
		return xerrors.New(xerrors.CodeTransient, fmt.Sprintf("水龙头返回状态码 %d", resp.StatusCode()))
	}
	return nil
}

// Claim 最多尝试 MaxRetries 次，两次尝试之间固定等待 Wait。关闭时返回 ErrDisabled。
func (c *Client) Claim(ctx context.Context, address common.Address) error {
	if !c.cfg.Enabled {
		c.log.Info("faucet disabled, skip claim", slog.String("address", address.Hex()))
		return ErrDisabled
	}
	policy := retry.Policy{Attempts: c.cfg.MaxRetries, Interval: c.cfg.Wait}
	err := retry.Do(ctx, policy, func(attempt int) error {
		c.log.Info("faucet request",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.Attempts),
			slog.String("address", address.Hex()),
		)
		err := c.ClaimOnce(ctx, address)
		if err != nil {
			c.log.Warn("faucet request failed", slog.Int("attempt", attempt), slog.Any("error", err))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("funding request failed: %w", err)
	}
	return nil
}
