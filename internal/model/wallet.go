package model

// Wallet 链上钱包及其托管密钥
// 每个钱包只属于一个捐赠人或受助人, 创建后不会重新分配或删除
type Wallet struct {
	Address string `gorm:"type:varchar(100);primaryKey" json:"address"`
	Public  string `gorm:"type:varchar(100);not null" json:"public"`
	Secret  string `gorm:"type:varchar(200);not null" json:"-"`
}

func (Wallet) TableName() string {
	return "wallets"
}
