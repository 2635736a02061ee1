package web3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const nftABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"mint","stateMutability":"payable","inputs":[{"name":"count","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}]}
]`

const hubABIJSON = `[
  {"type":"function","name":"delegate","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"operator","type":"address"}],"outputs":[]}
]`

// LoadABI parses a contract ABI from path. Both a bare ABI array and a
// compiler artifact of the form {"abi": [...]} are accepted. An empty path
// selects the built-in fallback.
func LoadABI(path, fallback string) (abi.ABI, error) {
	raw := []byte(fallback)
	if strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("读取 ABI 文件失败: %w", err)
		}
		raw = content
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if trimmed := bytes.TrimSpace(content); len(trimmed) > 0 && trimmed[0] == '{' {
			if err := json.Unmarshal(trimmed, &artifact); err != nil {
				return abi.ABI{}, fmt.Errorf("解析 ABI 文件失败: %w", err)
			}
			raw = artifact.ABI
		}
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	return parsed, nil
}

// Transfer is a decoded ERC-721 Transfer event.
type Transfer struct {
	From        common.Address
	To          common.Address
	TokenID     *big.Int
	BlockNumber uint64
}

// NFT binds the ERC-721 calls the pipeline needs to one contract.
type NFT struct {
	address common.Address
	abi     abi.ABI
	client  Client
}

// NewNFT loads the token contract ABI (built-in when abiPath is empty).
func NewNFT(client Client, address common.Address, abiPath string) (*NFT, error) {
	parsed, err := LoadABI(abiPath, nftABIJSON)
	if err != nil {
		return nil, err
	}
	for _, method := range []string{"approve", "ownerOf"} {
		if _, ok := parsed.Methods[method]; !ok {
			return nil, fmt.Errorf("NFT ABI 缺少方法 %s", method)
		}
	}
	if _, ok := parsed.Events["Transfer"]; !ok {
		return nil, fmt.Errorf("NFT ABI 缺少 Transfer 事件")
	}
	return &NFT{address: address, abi: parsed, client: client}, nil
}

// Address returns the contract address.
func (n *NFT) Address() common.Address {
	return n.address
}

// PackApprove encodes approve(spender, tokenId).
func (n *NFT) PackApprove(spender common.Address, tokenID *big.Int) ([]byte, error) {
	return n.abi.Pack("approve", spender, tokenID)
}

// PackMint encodes a call to the configured mint function taking a single
// uint256 count. Functions missing from the ABI are encoded from their
// canonical signature.
func (n *NFT) PackMint(function string, count *big.Int) ([]byte, error) {
	if method, ok := n.abi.Methods[function]; ok && len(method.Inputs) == 1 {
		return n.abi.Pack(function, count)
	}
	selector := crypto.Keccak256([]byte(function + "(uint256)"))[:4]
	return append(selector, common.LeftPadBytes(count.Bytes(), 32)...), nil
}

// OwnerOf reads the current owner of tokenID.
func (n *NFT) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	data, err := n.abi.Pack("ownerOf", tokenID)
	if err != nil {
		return common.Address{}, fmt.Errorf("编码 ownerOf 失败: %w", err)
	}
	out, err := n.client.Call(ctx, n.address, data)
	if err != nil {
		return common.Address{}, fmt.Errorf("调用 ownerOf(%s) 失败: %w", tokenID, err)
	}
	values, err := n.abi.Unpack("ownerOf", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("解析 ownerOf 返回值失败: %w", err)
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ownerOf 返回了非地址类型 %T", values[0])
	}
	return owner, nil
}

// BlockNumber returns the head the discovery window is anchored to.
func (n *NFT) BlockNumber(ctx context.Context) (uint64, error) {
	return n.client.BlockNumber(ctx)
}

// TransfersTo returns the Transfer events in [from, to] whose recipient is
// owner.
func (n *NFT) TransfersTo(ctx context.Context, owner common.Address, from, to uint64) ([]Transfer, error) {
	query := gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{n.address},
		Topics: [][]common.Hash{
			{n.TransferTopic()},
			nil,
			{common.BytesToHash(owner.Bytes())},
		},
	}
	logs, err := n.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询 Transfer 事件失败: %w", err)
	}
	transfers := make([]Transfer, 0, len(logs))
	for _, log := range logs {
		if transfer, ok := n.ParseTransfer(log); ok && transfer.To == owner {
			transfers = append(transfers, transfer)
		}
	}
	return transfers, nil
}

// TransferTopic is the Transfer event signature hash.
func (n *NFT) TransferTopic() common.Hash {
	return n.abi.Events["Transfer"].ID
}

// ParseTransfer decodes an ERC-721 Transfer log emitted by this contract.
func (n *NFT) ParseTransfer(log types.Log) (Transfer, bool) {
	if log.Address != n.address || len(log.Topics) != 4 || log.Topics[0] != n.TransferTopic() {
		return Transfer{}, false
	}
	return Transfer{
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		TokenID:     log.Topics[3].Big(),
		BlockNumber: log.BlockNumber,
	}, true
}

// Hub binds the delegation hub contract.
type Hub struct {
	address common.Address
	abi     abi.ABI
}

// NewHub loads the hub ABI (built-in when abiPath is empty).
func NewHub(address common.Address, abiPath string) (*Hub, error) {
	parsed, err := LoadABI(abiPath, hubABIJSON)
	if err != nil {
		return nil, err
	}
	if _, ok := parsed.Methods["delegate"]; !ok {
		return nil, fmt.Errorf("DelegationHub ABI 缺少方法 delegate")
	}
	return &Hub{address: address, abi: parsed}, nil
}

// Address returns the hub address.
func (h *Hub) Address() common.Address {
	return h.address
}

// PackDelegate encodes delegate(tokenId, operator).
func (h *Hub) PackDelegate(tokenID *big.Int, operator common.Address) ([]byte, error) {
	return h.abi.Pack("delegate", tokenID, operator)
}
