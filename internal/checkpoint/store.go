// Package checkpoint 持久化流水线已发现的事实（burner 地址与已铸造的 token），
// 使后续运行可以跳过已完成的发现步骤。checkpoint 只是缓存，链上状态才是权威来源。
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Store 描述 checkpoint 的读写能力。读取失败或内容损坏都按“不存在”处理，
// 以便重新执行发现流程；写入失败必须返回错误。
type Store interface {
	LoadBurner(ctx context.Context) (common.Address, bool)
	SaveBurner(ctx context.Context, burner common.Address) error
	LoadTokens(ctx context.Context) []*big.Int
	SaveTokens(ctx context.Context, tokens []*big.Int) error
	Close() error
}

// burnerRecord 对应 meta.json 中的 {"burner": "<address>"}。
type burnerRecord struct {
	Burner string `json:"burner"`
}

func encodeBurner(burner common.Address) ([]byte, error) {
	return json.MarshalIndent(burnerRecord{Burner: burner.Hex()}, "", "  ")
}

func decodeBurner(data []byte) (common.Address, error) {
	var record burnerRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return common.Address{}, fmt.Errorf("解析 burner 记录失败: %w", err)
	}
	if !common.IsHexAddress(record.Burner) {
		return common.Address{}, fmt.Errorf("burner 记录中的地址无效: %q", record.Burner)
	}
	return common.HexToAddress(record.Burner), nil
}

func encodeTokens(tokens []*big.Int) ([]byte, error) {
	return json.MarshalIndent(tokens, "", "  ")
}

func decodeTokens(data []byte) ([]*big.Int, error) {
	var tokens []*big.Int
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("解析 token 列表失败: %w", err)
	}
	for _, id := range tokens {
		if id == nil || id.Sign() < 0 {
			return nil, fmt.Errorf("token 列表包含无效的编号")
		}
	}
	return tokens, nil
}

// Normalize 去重并升序排列 token 编号，返回新切片。
func Normalize(tokens []*big.Int) []*big.Int {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]*big.Int, 0, len(tokens))
	for _, id := range tokens {
		if id == nil {
			continue
		}
		key := id.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, new(big.Int).Set(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
