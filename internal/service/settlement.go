package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"charityledger/internal/model"
)

// SettlementLedger 写入交易的结算引用
type SettlementLedger struct {
	store LedgerStore
}

// NewSettlementLedger 创建结算记账
func NewSettlementLedger(store LedgerStore) *SettlementLedger {
	return &SettlementLedger{store: store}
}

// Commit 仅在转账成功后调用; 引用已存在且不同返回 ErrAlreadySettled
func (l *SettlementLedger) Commit(ctx context.Context, id uuid.UUID, ref string) error {
	if ref == "" {
		return errors.New("empty settlement reference")
	}
	if err := l.store.CommitSettlement(ctx, id, ref); err != nil {
		if errors.Is(err, model.ErrAlreadySettled) || errors.Is(err, model.ErrNotFound) {
			return err
		}
		return fmt.Errorf("commit %s: %w", id, err)
	}
	return nil
}
