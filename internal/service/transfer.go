package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"charityledger/internal/chain"
	"charityledger/internal/model"
)

// OperatingWallet 运营(慈善)钱包, 凭证来自配置
type OperatingWallet struct {
	Address string
	Keys    chain.KeyPair
}

// ReservePolicies 三类储备策略
type ReservePolicies struct {
	Default      ReservePolicy
	Operating    ReservePolicy
	Distribution ReservePolicy
}

// reserveTarget 转账前需要检查储备的钱包
type reserveTarget struct {
	address string
	policy  ReservePolicy
}

// route 一笔交易的执行方式
type route struct {
	from     string // 签名并转出的钱包
	to       string // 对手方
	creds    chain.KeyPair
	reserves []reserveTarget
	// 转出方需要先持有足额代币, 不足时发放差额
	checkShortfall bool
}

// Participants 结算阶段使用的参与方快照
type Participants struct {
	Donors     map[uuid.UUID]model.Participant
	Recipients map[uuid.UUID]model.Participant
}

// TransferExecutor 按类别路由并执行单笔交易
type TransferExecutor struct {
	store             LedgerStore
	client            ValueTransferClient
	reserve           *GasReserveManager
	ledger            *SettlementLedger
	guard             *dedupGuard
	charity           OperatingWallet
	storeAddress      string
	policies          ReservePolicies
	scaleFactor       int64
	shortfallFee      uint64
	shortfallCooldown time.Duration
	onGap             func(key, ref string, err error)
}

// Settle 处理一笔未结算交易
func (e *TransferExecutor) Settle(ctx context.Context, tx model.Transaction, parts Participants) RowResult {
	id := tx.ID.String()
	if tx.Settled() {
		return skipped(id, "already settled")
	}
	key := txKey(tx.ID)

	pr, err := e.guard.lookup(ctx, key)
	if err != nil {
		log.Printf("Failed to check journal for transaction %s: %v", id, err)
		return retry(id, err, "journal check failed")
	}
	switch pr.kind {
	case priorConfirmed:
		log.Printf("Replaying settlement of transaction %s with ref %s", id, pr.ref)
		return e.commit(ctx, tx.ID, key, pr.ref)
	case priorWaiting:
		return deferred(id, "awaiting confirmation of "+pr.ref)
	}

	amount, err := ScaleAmount(tx.Amount, e.scaleFactor)
	if err != nil {
		log.Printf("Skipping transaction %s: %v", id, err)
		return skipped(id, err.Error())
	}

	rt, reason, err := e.resolve(ctx, tx, parts)
	if err != nil {
		log.Printf("Failed to resolve route for transaction %s: %v", id, err)
		return retry(id, err, "wallet lookup failed")
	}
	if rt == nil {
		log.Printf("Skipping transaction %s: %s", id, reason)
		return skipped(id, reason)
	}

	for _, target := range rt.reserves {
		e.reserve.EnsureReserve(ctx, target.address, target.policy)
	}

	if rt.checkShortfall {
		if res, done := e.shortfall(ctx, tx.ID, rt.from, amount); done {
			return res
		}
	}

	ref, err := e.client.Transfer(ctx, rt.from, rt.to, amount, rt.creds)
	if err != nil {
		if errors.Is(err, chain.ErrNotConfirmed) && ref != "" {
			if jerr := e.guard.markPending(key, ref); jerr != nil {
				log.Printf("[ERROR] Failed to journal pending transfer %s for transaction %s: %v", ref, id, jerr)
				e.reportGap(key, ref, jerr)
				return gap(id, ref, jerr)
			}
			return deferred(id, "awaiting confirmation of "+ref)
		}
		log.Printf("Transfer for transaction %s failed: %v", id, err)
		return retry(id, err, reasonOf(err))
	}

	if err := e.guard.markSent(key, ref); err != nil {
		log.Printf("Failed to journal transfer %s for transaction %s: %v", ref, id, err)
	}
	return e.commit(ctx, tx.ID, key, ref)
}

// shortfall 转出方代币不足时发放差额, 冷却期内不重复发放
// 返回 done=true 表示本行到此为止
func (e *TransferExecutor) shortfall(ctx context.Context, txID uuid.UUID, address string, required uint64) (RowResult, bool) {
	id := txID.String()
	balance, err := e.client.QueryTokenBalance(ctx, address)
	if err != nil {
		log.Printf("Failed to query token balance of %s: %v", address, err)
		return retry(id, err, "token balance unavailable"), true
	}
	if balance >= required {
		return RowResult{}, false
	}

	key := shortfallKey(txID)
	cooling, err := e.guard.cooling(key)
	if err != nil {
		return retry(id, err, "journal check failed"), true
	}
	if cooling {
		return deferred(id, "shortfall grant in flight"), true
	}

	missing := required - balance
	ref, err := e.client.Grant(ctx, address, missing, e.shortfallFee)
	if err != nil && !(errors.Is(err, chain.ErrNotConfirmed) && ref != "") {
		log.Printf("Shortfall grant of %d to %s failed: %v", missing, address, err)
		return retry(id, err, reasonOf(err)), true
	}
	if err := e.guard.startCooldown(key, ref, e.shortfallCooldown); err != nil {
		log.Printf("Failed to journal shortfall cooldown for transaction %s: %v", id, err)
	}
	log.Printf("Granted shortfall of %d tokens to %s for transaction %s (balance %d < %d)", missing, address, id, balance, required)
	return deferred(id, "shortfall grant issued"), true
}

// resolve 按类别确定转出方, 对手方和储备策略; 无法路由时返回原因
func (e *TransferExecutor) resolve(ctx context.Context, tx model.Transaction, parts Participants) (*route, string, error) {
	switch tx.Category() {
	case model.CategoryDonorTopUp:
		w, reason, err := e.walletOf(ctx, parts.Donors, tx.From, "donor")
		if w == nil {
			return nil, reason, err
		}
		return &route{
			from:           w.Address,
			to:             e.charity.Address,
			creds:          chain.KeyPair{Public: w.Public, Secret: w.Secret},
			reserves:       []reserveTarget{{w.Address, e.policies.Default}},
			checkShortfall: true,
		}, "", nil

	case model.CategoryRecipientDistribution:
		w, reason, err := e.walletOf(ctx, parts.Recipients, tx.To, "recipient")
		if w == nil {
			return nil, reason, err
		}
		return &route{
			from:  e.charity.Address,
			to:    w.Address,
			creds: e.charity.Keys,
			reserves: []reserveTarget{
				{e.charity.Address, e.policies.Operating},
				{w.Address, e.policies.Distribution},
			},
		}, "", nil

	case model.CategoryStoreSpend, model.CategoryExpiryRefund:
		w, reason, err := e.walletOf(ctx, parts.Recipients, tx.From, "recipient")
		if w == nil {
			return nil, reason, err
		}
		to := e.storeAddress
		if tx.Category() == model.CategoryExpiryRefund {
			to = e.charity.Address
		}
		return &route{
			from:     w.Address,
			to:       to,
			creds:    chain.KeyPair{Public: w.Public, Secret: w.Secret},
			reserves: []reserveTarget{{w.Address, e.policies.Default}},
		}, "", nil
	}
	return nil, "unsupported transaction type", nil
}

// walletOf 查找参与方的钱包记录
func (e *TransferExecutor) walletOf(ctx context.Context, set map[uuid.UUID]model.Participant, id uuid.UUID, role string) (*model.Wallet, string, error) {
	p, ok := set[id]
	if !ok {
		return nil, role + " not found", nil
	}
	if !p.HasWallet() {
		return nil, role + " has no wallet", nil
	}
	w, err := e.store.WalletByAddress(ctx, p.WalletAddress())
	if errors.Is(err, model.ErrNotFound) {
		return nil, role + " wallet record missing", nil
	}
	if err != nil {
		return nil, "", err
	}
	return w, "", nil
}

func (e *TransferExecutor) commit(ctx context.Context, txID uuid.UUID, key, ref string) RowResult {
	id := txID.String()
	err := e.ledger.Commit(ctx, txID, ref)
	switch {
	case err == nil:
		e.guard.clear(key)
		log.Printf("Transaction %s settled with ref %s", id, ref)
		return settled(id, ref)
	case errors.Is(err, model.ErrAlreadySettled), errors.Is(err, model.ErrNotFound):
		log.Printf("[ERROR] Transaction %s cannot take ref %s: %v", id, ref, err)
		e.guard.clear(key)
		e.reportGap(key, ref, err)
		return gap(id, ref, err)
	default:
		log.Printf("[ERROR] Transfer %s for transaction %s succeeded but commit failed: %v", ref, id, err)
		e.reportGap(key, ref, err)
		return gap(id, ref, err)
	}
}

func (e *TransferExecutor) reportGap(key, ref string, err error) {
	if e.onGap != nil {
		e.onGap(key, ref, err)
	}
}
