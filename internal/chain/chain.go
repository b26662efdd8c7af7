package chain

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRejected          = errors.New("transaction rejected")
	ErrNotConfirmed      = errors.New("transaction not confirmed")
	ErrInvalidKey        = errors.New("invalid key")
)

// KeyPair 钱包密钥对, 均为 base58 编码
type KeyPair struct {
	Public string `json:"public"`
	Secret string `json:"-"`
}

// TxStatus 已广播交易的链上状态
type TxStatus int

const (
	TxUnknown TxStatus = iota // 节点查不到, 可能未上链或已被丢弃
	TxLanded                  // 已确认
	TxFailed                  // 已上链但执行失败
)

func (s TxStatus) String() string {
	switch s {
	case TxLanded:
		return "landed"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// privateKey 解析并校验私钥与公钥匹配
func (k KeyPair) privateKey() (solana.PrivateKey, error) {
	priv, err := solana.PrivateKeyFromBase58(k.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if k.Public != "" && priv.PublicKey().String() != k.Public {
		return nil, fmt.Errorf("%w: secret does not match public key", ErrInvalidKey)
	}
	return priv, nil
}

// NewKeyPair 生成随机密钥对
func NewKeyPair() (KeyPair, error) {
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating key: %w", err)
	}
	return KeyPair{Public: priv.PublicKey().String(), Secret: priv.String()}, nil
}

func parseAddress(addr string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: address %q: %v", ErrInvalidKey, addr, err)
	}
	return pk, nil
}
