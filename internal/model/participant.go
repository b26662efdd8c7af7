package model

import (
	"github.com/google/uuid"
)

// ParticipantKind 账本参与方类型
type ParticipantKind string

const (
	KindDonor     ParticipantKind = "donor"
	KindRecipient ParticipantKind = "recipient"
)

// Participant 捐赠人或受助人的公共视图
type Participant struct {
	ID     uuid.UUID
	Kind   ParticipantKind
	Wallet *string // 钱包地址, 未开户时为空
}

// HasWallet 是否已分配钱包
func (p Participant) HasWallet() bool {
	return p.Wallet != nil && *p.Wallet != ""
}

// WalletAddress 钱包地址, 未开户时返回空串
func (p Participant) WalletAddress() string {
	if p.Wallet == nil {
		return ""
	}
	return *p.Wallet
}

// Donor 捐赠人
type Donor struct {
	ID     uuid.UUID `gorm:"type:char(36);primaryKey" json:"id"`
	Wallet *string   `gorm:"type:varchar(100);uniqueIndex" json:"wallet"`
}

func (Donor) TableName() string {
	return "donors"
}

func (d Donor) Participant() Participant {
	return Participant{ID: d.ID, Kind: KindDonor, Wallet: d.Wallet}
}

// Recipient 受助人
type Recipient struct {
	ID     uuid.UUID `gorm:"type:char(36);primaryKey" json:"id"`
	Wallet *string   `gorm:"type:varchar(100);uniqueIndex" json:"wallet"`
}

func (Recipient) TableName() string {
	return "recipients"
}

func (r Recipient) Participant() Participant {
	return Participant{ID: r.ID, Kind: KindRecipient, Wallet: r.Wallet}
}
