package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Donation 捐赠记录, Granted 只会从 false 变为 true
type Donation struct {
	ID      uuid.UUID       `gorm:"type:char(36);primaryKey" json:"id"`
	DonorID uuid.UUID       `gorm:"type:char(36);not null;index" json:"donor_id"`
	Amount  decimal.Decimal `gorm:"type:decimal(18,6);not null" json:"amount"`
	Granted bool            `gorm:"default:false;index" json:"granted"`
}

func (Donation) TableName() string {
	return "donations"
}
