package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"charityledger/internal/chain"
	"charityledger/internal/journal"
)

// priorKind 日志中已有的链上动作
type priorKind int

const (
	priorNone      priorKind = iota // 无记录, 可以执行
	priorConfirmed                  // 已确认, 只需补记账
	priorWaiting                    // 已广播未确认, 本次不动
)

type prior struct {
	kind priorKind
	ref  string
}

// dedupGuard 基于日志的去重, 保证链上动作在账本写入失败后不被重复执行
type dedupGuard struct {
	journal       Journal
	client        ValueTransferClient
	pendingExpiry time.Duration
	now           func() time.Time
}

// lookup 检查 key 对应的链上动作状态
// 已广播未确认的交易按签名查询: 已上链转为已确认, 失败或超过过期时间未出现则清除记录
func (g *dedupGuard) lookup(ctx context.Context, key string) (prior, error) {
	e, ok, err := g.journal.Get(key)
	if err != nil {
		return prior{}, fmt.Errorf("read journal %s: %w", key, err)
	}
	if !ok {
		return prior{kind: priorNone}, nil
	}

	switch e.State {
	case journal.StateSent:
		return prior{kind: priorConfirmed, ref: e.Ref}, nil
	case journal.StatePending:
		status, err := g.client.Status(ctx, e.Ref)
		if err != nil {
			return prior{}, err
		}
		switch status {
		case chain.TxLanded:
			if err := g.markSent(key, e.Ref); err != nil {
				log.Printf("Failed to promote journal entry %s: %v", key, err)
			}
			return prior{kind: priorConfirmed, ref: e.Ref}, nil
		case chain.TxFailed:
			log.Printf("Pending transaction %s for %s failed on chain, clearing", e.Ref, key)
			return prior{kind: priorNone}, g.journal.Delete(key)
		default:
			if g.now().Sub(e.CreatedAt) >= g.pendingExpiry {
				log.Printf("Pending transaction %s for %s expired unseen, clearing", e.Ref, key)
				return prior{kind: priorNone}, g.journal.Delete(key)
			}
			return prior{kind: priorWaiting, ref: e.Ref}, nil
		}
	default:
		return prior{kind: priorNone}, nil
	}
}

func (g *dedupGuard) markPending(key, ref string) error {
	return g.journal.Put(journal.Entry{Key: key, State: journal.StatePending, Ref: ref, CreatedAt: g.now()})
}

func (g *dedupGuard) markSent(key, ref string) error {
	return g.journal.Put(journal.Entry{Key: key, State: journal.StateSent, Ref: ref, CreatedAt: g.now()})
}

// clear 账本写入成功后删除记录, 失败只记录日志, 下次重放是幂等的
func (g *dedupGuard) clear(key string) {
	if err := g.journal.Delete(key); err != nil {
		log.Printf("Failed to clear journal entry %s: %v", key, err)
	}
}

// cooling 冷却期内返回 true
func (g *dedupGuard) cooling(key string) (bool, error) {
	e, ok, err := g.journal.Get(key)
	if err != nil {
		return false, err
	}
	return ok && e.State == journal.StateCooldown, nil
}

func (g *dedupGuard) startCooldown(key, ref string, ttl time.Duration) error {
	now := g.now()
	return g.journal.Put(journal.Entry{
		Key:       key,
		State:     journal.StateCooldown,
		Ref:       ref,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}
