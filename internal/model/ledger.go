package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrAlreadySettled = errors.New("transaction already settled")
	ErrWalletAssigned = errors.New("participant already has a wallet")
)

// LedgerStore 基于 gorm 的账本存储
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore 创建账本存储, db 为空时使用全局连接
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	if db == nil {
		db = DB
	}
	return &LedgerStore{db: db}
}

// DonorsWithoutWallet 未开户的捐赠人
func (s *LedgerStore) DonorsWithoutWallet(ctx context.Context) ([]Participant, error) {
	var donors []Donor
	if err := s.db.WithContext(ctx).Where("wallet IS NULL OR wallet = ''").Find(&donors).Error; err != nil {
		return nil, fmt.Errorf("query donors without wallet: %w", err)
	}
	out := make([]Participant, 0, len(donors))
	for _, d := range donors {
		out = append(out, d.Participant())
	}
	return out, nil
}

// RecipientsWithoutWallet 未开户的受助人
func (s *LedgerStore) RecipientsWithoutWallet(ctx context.Context) ([]Participant, error) {
	var recipients []Recipient
	if err := s.db.WithContext(ctx).Where("wallet IS NULL OR wallet = ''").Find(&recipients).Error; err != nil {
		return nil, fmt.Errorf("query recipients without wallet: %w", err)
	}
	out := make([]Participant, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, r.Participant())
	}
	return out, nil
}

// Donors 全部捐赠人, 以 ID 为键
func (s *LedgerStore) Donors(ctx context.Context) (map[uuid.UUID]Participant, error) {
	var donors []Donor
	if err := s.db.WithContext(ctx).Find(&donors).Error; err != nil {
		return nil, fmt.Errorf("query donors: %w", err)
	}
	out := make(map[uuid.UUID]Participant, len(donors))
	for _, d := range donors {
		out[d.ID] = d.Participant()
	}
	return out, nil
}

// Recipients 全部受助人, 以 ID 为键
func (s *LedgerStore) Recipients(ctx context.Context) (map[uuid.UUID]Participant, error) {
	var recipients []Recipient
	if err := s.db.WithContext(ctx).Find(&recipients).Error; err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	out := make(map[uuid.UUID]Participant, len(recipients))
	for _, r := range recipients {
		out[r.ID] = r.Participant()
	}
	return out, nil
}

// AssignWallet 为参与方绑定钱包地址, 仅在 wallet 仍为空时生效
func (s *LedgerStore) AssignWallet(ctx context.Context, kind ParticipantKind, id uuid.UUID, address string) error {
	var m interface{}
	switch kind {
	case KindDonor:
		m = &Donor{}
	case KindRecipient:
		m = &Recipient{}
	default:
		return fmt.Errorf("unknown participant kind %q", kind)
	}

	result := s.db.WithContext(ctx).Model(m).
		Where("id = ? AND (wallet IS NULL OR wallet = '')", id).
		Update("wallet", address)
	if result.Error != nil {
		return fmt.Errorf("assign %s wallet: %w", kind, result.Error)
	}
	if result.RowsAffected == 0 {
		return s.assignConflict(ctx, m, id, address)
	}
	return nil
}

// assignConflict 区分记录不存在, 已绑定同一地址 (重放) 和已绑定其他地址
func (s *LedgerStore) assignConflict(ctx context.Context, m interface{}, id uuid.UUID, address string) error {
	var current struct{ Wallet *string }
	err := s.db.WithContext(ctx).Model(m).Select("wallet").Where("id = ?", id).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read participant wallet: %w", err)
	}
	if current.Wallet != nil && *current.Wallet == address {
		return nil
	}
	return ErrWalletAssigned
}

// SaveWallet 保存钱包记录, 同一地址重复写入视为成功
func (s *LedgerStore) SaveWallet(ctx context.Context, w *Wallet) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "address"}}, DoNothing: true}).
		Create(w).Error
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.Address, err)
	}
	return nil
}

// WalletByAddress 按地址查找钱包
func (s *LedgerStore) WalletByAddress(ctx context.Context, address string) (*Wallet, error) {
	var w Wallet
	err := s.db.WithContext(ctx).Where("address = ?", address).Take(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query wallet %s: %w", address, err)
	}
	return &w, nil
}

// PendingDonations 尚未发放代币且金额为正的捐赠
func (s *LedgerStore) PendingDonations(ctx context.Context) ([]Donation, error) {
	var donations []Donation
	if err := s.db.WithContext(ctx).Where("granted = ? AND amount > 0", false).Find(&donations).Error; err != nil {
		return nil, fmt.Errorf("query pending donations: %w", err)
	}
	return donations, nil
}

// MarkDonationGranted 标记捐赠已发放, 已标记的记录不受影响
func (s *LedgerStore) MarkDonationGranted(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&Donation{}).
		Where("id = ? AND granted = ?", id, false).
		Update("granted", true)
	if result.Error != nil {
		return fmt.Errorf("mark donation %s granted: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&Donation{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("read donation %s: %w", id, err)
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

const unsettledCond = "type IN ? AND hash IS NULL AND amount > 0"

// UnsettledTransactions 指定类别下尚未结算且金额为正的交易
func (s *LedgerStore) UnsettledTransactions(ctx context.Context, category Category) ([]Transaction, error) {
	types := category.Types()
	if len(types) == 0 {
		return nil, nil
	}
	var txs []Transaction
	err := s.db.WithContext(ctx).
		Where(unsettledCond, types).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("query unsettled %s transactions: %w", category, err)
	}
	return txs, nil
}

// CountUnsettled 各类别未结算交易数
func (s *LedgerStore) CountUnsettled(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, c := range []Category{CategoryDonorTopUp, CategoryRecipientDistribution, CategoryStoreSpend, CategoryExpiryRefund} {
		var n int64
		if err := s.db.WithContext(ctx).Model(&Transaction{}).
			Where(unsettledCond, c.Types()).
			Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count unsettled %s: %w", c, err)
		}
		out[c.String()] = n
	}
	return out, nil
}

// CommitSettlement 写入结算引用, 仅当 hash 为空时生效
func (s *LedgerStore) CommitSettlement(ctx context.Context, id uuid.UUID, ref string) error {
	result := s.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND hash IS NULL", id).
		Update("hash", ref)
	if result.Error != nil {
		return fmt.Errorf("commit settlement %s: %w", id, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	var tx Transaction
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read transaction %s: %w", id, err)
	}
	if tx.Hash != nil && *tx.Hash == ref {
		return nil
	}
	return ErrAlreadySettled
}
