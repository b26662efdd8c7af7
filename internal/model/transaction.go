package model

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Category 交易类别
type Category int8

const (
	CategoryUnknown               Category = iota
	CategoryDonorTopUp                     // 捐赠人转入运营钱包
	CategoryRecipientDistribution          // 运营钱包分发给受助人
	CategoryStoreSpend                     // 受助人在商店消费
	CategoryExpiryRefund                   // 受助人余额过期退回
)

// 账本中交易类型的整数编码
const (
	TypeDonation     int8 = 1
	TypeDonationPlus int8 = 3
	TypeDistribution int8 = 4
	TypeSpend        int8 = 5
	TypeExpiry       int8 = 6
)

// Types 返回类别对应的账本类型编码
func (c Category) Types() []int8 {
	switch c {
	case CategoryDonorTopUp:
		return []int8{TypeDonation, TypeDonationPlus}
	case CategoryRecipientDistribution:
		return []int8{TypeDistribution}
	case CategoryStoreSpend:
		return []int8{TypeSpend}
	case CategoryExpiryRefund:
		return []int8{TypeExpiry}
	default:
		return nil
	}
}

func (c Category) String() string {
	switch c {
	case CategoryDonorTopUp:
		return "donor_top_up"
	case CategoryRecipientDistribution:
		return "recipient_distribution"
	case CategoryStoreSpend:
		return "store_spend"
	case CategoryExpiryRefund:
		return "expiry_refund"
	default:
		return fmt.Sprintf("category(%d)", int8(c))
	}
}

// CategoryOf 将账本类型编码映射到类别
func CategoryOf(t int8) Category {
	switch t {
	case TypeDonation, TypeDonationPlus:
		return CategoryDonorTopUp
	case TypeDistribution:
		return CategoryRecipientDistribution
	case TypeSpend:
		return CategoryStoreSpend
	case TypeExpiry:
		return CategoryExpiryRefund
	default:
		return CategoryUnknown
	}
}

// Transaction 账本交易
// Hash 为结算引用, 只写入一次, 非空的记录不会再被处理
type Transaction struct {
	ID     uuid.UUID       `gorm:"type:char(36);primaryKey" json:"id"`
	From   uuid.UUID       `gorm:"column:from;type:char(36);not null" json:"from"`
	To     uuid.UUID       `gorm:"column:to;type:char(36);not null" json:"to"`
	Amount decimal.Decimal `gorm:"type:decimal(18,6);not null" json:"amount"`
	Type   int8            `gorm:"type:int;not null;index:idx_type_hash" json:"type"`
	Hash   *string         `gorm:"type:varchar(128);index:idx_type_hash" json:"hash"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Category 交易类别
func (t *Transaction) Category() Category {
	return CategoryOf(t.Type)
}

// Settled 是否已结算
func (t *Transaction) Settled() bool {
	return t.Hash != nil
}
