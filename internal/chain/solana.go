package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"charityledger/internal/util"
)

// Config Solana 客户端配置
type Config struct {
	Endpoints      []string
	Mint           string
	RootSecret     string // mint authority, 同时支付开户费用
	Commitment     string
	ConfirmRetries int
	ConfirmDelay   time.Duration
	RateLimit      float64
	RateBurst      int
	HTTPTimeout    time.Duration
}

// SolanaClient 基于 SPL token 的价值转移客户端
// 钱包地址即所有者公钥, 代币存放在其关联代币账户(ATA)中
type SolanaClient struct {
	pool           *endpointPool
	mint           solana.PublicKey
	root           solana.PrivateKey
	commitment     rpc.CommitmentType
	confirmRetries int
	confirmDelay   time.Duration
	sendMu         sync.Mutex
}

// NewSolanaClient 创建客户端
func NewSolanaClient(cfg Config) (*SolanaClient, error) {
	mint, err := parseAddress(cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("mint: %w", err)
	}
	root, err := KeyPair{Secret: cfg.RootSecret}.privateKey()
	if err != nil {
		return nil, fmt.Errorf("root key: %w", err)
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pool, err := newEndpointPool(cfg.Endpoints, timeout, util.NewRateLimiter(cfg.RateLimit, cfg.RateBurst))
	if err != nil {
		return nil, err
	}

	commitment := rpc.CommitmentType(cfg.Commitment)
	switch commitment {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		commitment = rpc.CommitmentConfirmed
	}
	retries := cfg.ConfirmRetries
	if retries <= 0 {
		retries = 30
	}
	delay := cfg.ConfirmDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &SolanaClient{
		pool:           pool,
		mint:           mint,
		root:           root,
		commitment:     commitment,
		confirmRetries: retries,
		confirmDelay:   delay,
	}, nil
}

// SetObserver 设置 RPC 调用观察者
func (c *SolanaClient) SetObserver(o CallObserver) {
	c.pool.observer = o
}

// RootAddress 发行方地址
func (c *SolanaClient) RootAddress() string {
	return c.root.PublicKey().String()
}

// Stats 节点统计
func (c *SolanaClient) Stats() map[string]interface{} {
	return c.pool.Stats()
}

// GenerateKeyPair 生成新钱包密钥, 纯本地操作
func (c *SolanaClient) GenerateKeyPair(ctx context.Context) (KeyPair, error) {
	return NewKeyPair()
}

// DeployWallet 为公钥创建关联代币账户, 由发行方支付, initialTokens > 0 时同时增发
// 重复调用是幂等的, 返回的地址即公钥
func (c *SolanaClient) DeployWallet(ctx context.Context, public string, initialTokens uint64) (string, error) {
	owner, err := parseAddress(public)
	if err != nil {
		return "", err
	}
	ata, err := c.tokenAccount(owner)
	if err != nil {
		return "", err
	}

	payer := c.root.PublicKey()
	instrs := []solana.Instruction{createATAIdempotentInstruction(payer, ata, owner, c.mint)}
	if initialTokens > 0 {
		instrs = append(instrs, mintToInstruction(c.mint, ata, payer, initialTokens))
	}
	if _, err := c.submit(ctx, instrs, payer, c.root); err != nil {
		return "", fmt.Errorf("deploy wallet %s: %w", public, err)
	}
	return owner.String(), nil
}

// QueryNativeBalance 原生币余额(lamports)
func (c *SolanaClient) QueryNativeBalance(ctx context.Context, address string) (uint64, error) {
	pk, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	var balance uint64
	err = c.pool.call(ctx, "getBalance", func(cl *rpc.Client) error {
		out, err := cl.GetBalance(ctx, pk, c.commitment)
		if err != nil {
			return err
		}
		balance = out.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("query native balance %s: %w", address, err)
	}
	return balance, nil
}

// QueryTokenBalance 代币余额(最小单位)
func (c *SolanaClient) QueryTokenBalance(ctx context.Context, address string) (uint64, error) {
	owner, err := parseAddress(address)
	if err != nil {
		return 0, err
	}
	ata, err := c.tokenAccount(owner)
	if err != nil {
		return 0, err
	}
	var raw string
	err = c.pool.call(ctx, "getTokenAccountBalance", func(cl *rpc.Client) error {
		out, err := cl.GetTokenAccountBalance(ctx, ata, c.commitment)
		if err != nil {
			return err
		}
		if out.Value == nil {
			return errors.New("empty token balance response")
		}
		raw = out.Value.Amount
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("query token balance %s: %w", address, err)
	}
	return parseAmount(raw)
}

// TotalSupply 代币总发行量
func (c *SolanaClient) TotalSupply(ctx context.Context) (uint64, error) {
	var raw string
	err := c.pool.call(ctx, "getTokenSupply", func(cl *rpc.Client) error {
		out, err := cl.GetTokenSupply(ctx, c.mint, c.commitment)
		if err != nil {
			return err
		}
		if out.Value == nil {
			return errors.New("empty token supply response")
		}
		raw = out.Value.Amount
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("query total supply: %w", err)
	}
	return parseAmount(raw)
}

// RootBalance 发行方原生币余额
func (c *SolanaClient) RootBalance(ctx context.Context) (uint64, error) {
	return c.QueryNativeBalance(ctx, c.RootAddress())
}

// Grant 由发行方向钱包增发代币并转入原生币, 两者在同一笔交易中
// 返回 ErrNotConfirmed 时签名仍会返回
func (c *SolanaClient) Grant(ctx context.Context, address string, tokens, fee uint64) (string, error) {
	if tokens == 0 && fee == 0 {
		return "", errors.New("grant with zero tokens and zero fee")
	}
	owner, err := parseAddress(address)
	if err != nil {
		return "", err
	}

	payer := c.root.PublicKey()
	var instrs []solana.Instruction
	if tokens > 0 {
		ata, err := c.tokenAccount(owner)
		if err != nil {
			return "", err
		}
		instrs = append(instrs, mintToInstruction(c.mint, ata, payer, tokens))
	}
	if fee > 0 {
		instrs = append(instrs, systemTransferInstruction(payer, owner, fee))
	}

	sig, err := c.submit(ctx, instrs, payer, c.root)
	if err != nil {
		return sig, fmt.Errorf("grant %d tokens and %d fee to %s: %w", tokens, fee, address, err)
	}
	return sig, nil
}

// Transfer 从 from 钱包向 to 钱包转出代币, 由 from 的所有者签名并支付手续费
// 收款方的关联代币账户不存在时在同一笔交易中创建
func (c *SolanaClient) Transfer(ctx context.Context, from, to string, tokens uint64, creds KeyPair) (string, error) {
	if tokens == 0 {
		return "", errors.New("transfer of zero tokens")
	}
	signer, err := creds.privateKey()
	if err != nil {
		return "", err
	}
	owner, err := parseAddress(from)
	if err != nil {
		return "", err
	}
	if !signer.PublicKey().Equals(owner) {
		return "", fmt.Errorf("%w: credentials do not own %s", ErrInvalidKey, from)
	}
	dest, err := parseAddress(to)
	if err != nil {
		return "", err
	}

	srcATA, err := c.tokenAccount(owner)
	if err != nil {
		return "", err
	}
	dstATA, err := c.tokenAccount(dest)
	if err != nil {
		return "", err
	}

	instrs := []solana.Instruction{
		createATAIdempotentInstruction(owner, dstATA, dest, c.mint),
		tokenTransferInstruction(srcATA, dstATA, owner, tokens),
	}
	sig, err := c.submit(ctx, instrs, owner, signer)
	if err != nil {
		return sig, fmt.Errorf("transfer %d tokens %s -> %s: %w", tokens, from, to, err)
	}
	return sig, nil
}

// Status 查询已广播交易的状态
func (c *SolanaClient) Status(ctx context.Context, ref string) (TxStatus, error) {
	sig, err := solana.SignatureFromBase58(ref)
	if err != nil {
		return TxUnknown, fmt.Errorf("%w: signature %q: %v", ErrInvalidKey, ref, err)
	}
	status := TxUnknown
	err = c.pool.call(ctx, "getSignatureStatuses", func(cl *rpc.Client) error {
		out, err := cl.GetSignatureStatuses(ctx, true, sig)
		if errors.Is(err, rpc.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		status = signatureStatus(out)
		return nil
	})
	if err != nil {
		return TxUnknown, fmt.Errorf("query status %s: %w", ref, err)
	}
	return status, nil
}

func (c *SolanaClient) tokenAccount(owner solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, c.mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive token account for %s: %w", owner, err)
	}
	return ata, nil
}

// submit 签名广播并等待确认
// 确认超时时返回 ErrNotConfirmed 和签名, 调用方应按签名查询最终状态
func (c *SolanaClient) submit(ctx context.Context, instrs []solana.Instruction, payer solana.PublicKey, signer solana.PrivateKey) (string, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var blockhash solana.Hash
	err := c.pool.call(ctx, "getLatestBlockhash", func(cl *rpc.Client) error {
		out, err := cl.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		if out.Value == nil {
			return errors.New("empty blockhash response")
		}
		blockhash = out.Value.Blockhash
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	var sig solana.Signature
	err = c.pool.call(ctx, "sendTransaction", func(cl *rpc.Client) error {
		s, err := cl.SendTransaction(ctx, tx)
		if err != nil {
			return err
		}
		sig = s
		return nil
	})
	if err != nil {
		return "", classifySendError(err)
	}

	ref := sig.String()
	log.Printf("Transaction submitted: %s", ref)
	return ref, c.waitConfirmed(ctx, sig)
}

func (c *SolanaClient) waitConfirmed(ctx context.Context, sig solana.Signature) error {
	for i := 0; i < c.confirmRetries; i++ {
		var status TxStatus
		err := c.pool.call(ctx, "getSignatureStatuses", func(cl *rpc.Client) error {
			out, err := cl.GetSignatureStatuses(ctx, false, sig)
			if errors.Is(err, rpc.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			status = signatureStatus(out)
			return nil
		})
		if err != nil {
			log.Printf("Failed to query status of %s: %v", sig, err)
		}
		switch status {
		case TxLanded:
			return nil
		case TxFailed:
			return ErrRejected
		}

		// 签名已广播, 取消时同样按未确认处理
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotConfirmed, ctx.Err())
		case <-time.After(c.confirmDelay):
		}
	}
	return ErrNotConfirmed
}

func signatureStatus(out *rpc.GetSignatureStatusesResult) TxStatus {
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return TxUnknown
	}
	st := out.Value[0]
	if st.Err != nil {
		return TxFailed
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return TxLanded
	}
	return TxUnknown
}

// classifySendError 将预检失败映射到哨兵错误
func classifySendError(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		if strings.Contains(msg, "insufficient") || strings.Contains(msg, "custom program error: 0x1") {
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, rpcErr.Message)
		}
		return fmt.Errorf("%w: %s", ErrRejected, rpcErr.Message)
	}
	return fmt.Errorf("send transaction: %w", err)
}

func parseAmount(raw string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	return v, nil
}
