package web3

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoSigningKey is returned when a transaction is requested from an
// identity that only carries an address.
var ErrNoSigningKey = errors.New("identity has no signing key")

// Identity is an address optionally paired with the key that controls it.
type Identity struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// NewIdentity wraps an in-memory private key.
func NewIdentity(key *ecdsa.PrivateKey) Identity {
	return Identity{Address: crypto.PubkeyToAddress(key.PublicKey), key: key}
}

// IdentityFromKey derives the identity from a hex encoded private key.
func IdentityFromKey(hexKey string) (Identity, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return Identity{}, errors.New("私钥为空")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return Identity{}, fmt.Errorf("解析私钥失败: %w", err)
	}
	return NewIdentity(key), nil
}

// IdentityFromAddress builds a watch-only identity.
func IdentityFromAddress(address string) (Identity, error) {
	trimmed := strings.TrimSpace(address)
	if !common.IsHexAddress(trimmed) {
		return Identity{}, fmt.Errorf("无效的地址: %q", address)
	}
	return Identity{Address: common.HexToAddress(trimmed)}, nil
}

// ResolveOwner derives the owner identity from configuration. An explicit
// address wins for display; when a key is also supplied both must agree.
func ResolveOwner(address, hexKey string) (Identity, error) {
	address = strings.TrimSpace(address)
	hexKey = strings.TrimSpace(hexKey)

	switch {
	case address == "" && hexKey == "":
		return Identity{}, errors.New("需要配置 owner 地址或私钥")
	case hexKey == "":
		return IdentityFromAddress(address)
	}

	id, err := IdentityFromKey(hexKey)
	if err != nil {
		return Identity{}, err
	}
	if address != "" {
		declared, err := IdentityFromAddress(address)
		if err != nil {
			return Identity{}, err
		}
		if declared.Address != id.Address {
			return Identity{}, fmt.Errorf("owner 地址 %s 与私钥推导的地址 %s 不一致", declared.Address.Hex(), id.Address.Hex())
		}
	}
	return id, nil
}

// HasKey reports whether the identity can sign.
func (i Identity) HasKey() bool {
	return i.key != nil
}

// Sign signs tx for the given chain.
func (i Identity) Sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if i.key == nil {
		return nil, ErrNoSigningKey
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), i.key)
}

func (i Identity) String() string {
	return i.Address.Hex()
}
