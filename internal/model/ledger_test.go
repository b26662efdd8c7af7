package model

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) (*LedgerStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return NewLedgerStore(db), db
}

func strPtr(s string) *string { return &s }

func TestLedgerStore_WithoutWallet(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	bare := Donor{ID: uuid.New()}
	owned := Donor{ID: uuid.New(), Wallet: strPtr("addr-1")}
	require.NoError(t, db.Create(&bare).Error)
	require.NoError(t, db.Create(&owned).Error)
	require.NoError(t, db.Create(&Recipient{ID: uuid.New()}).Error)

	donors, err := store.DonorsWithoutWallet(ctx)
	require.NoError(t, err)
	require.Len(t, donors, 1)
	assert.Equal(t, bare.ID, donors[0].ID)
	assert.Equal(t, KindDonor, donors[0].Kind)

	recipients, err := store.RecipientsWithoutWallet(ctx)
	require.NoError(t, err)
	assert.Len(t, recipients, 1)

	all, err := store.Donors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "addr-1", all[owned.ID].WalletAddress())
}

func TestLedgerStore_AssignWallet(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	r := Recipient{ID: uuid.New()}
	require.NoError(t, db.Create(&r).Error)

	require.NoError(t, store.AssignWallet(ctx, KindRecipient, r.ID, "addr-1"))
	// 同一地址重放
	require.NoError(t, store.AssignWallet(ctx, KindRecipient, r.ID, "addr-1"))
	assert.ErrorIs(t, store.AssignWallet(ctx, KindRecipient, r.ID, "addr-2"), ErrWalletAssigned)
	assert.ErrorIs(t, store.AssignWallet(ctx, KindRecipient, uuid.New(), "addr-3"), ErrNotFound)

	var got Recipient
	require.NoError(t, db.First(&got, "id = ?", r.ID).Error)
	assert.Equal(t, "addr-1", *got.Wallet)
}

func TestLedgerStore_SaveWallet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	w := &Wallet{Address: "addr-1", Public: "pub", Secret: "sec"}
	require.NoError(t, store.SaveWallet(ctx, w))
	require.NoError(t, store.SaveWallet(ctx, &Wallet{Address: "addr-1", Public: "pub", Secret: "sec"}))

	got, err := store.WalletByAddress(ctx, "addr-1")
	require.NoError(t, err)
	assert.Equal(t, "pub", got.Public)
	assert.Equal(t, "sec", got.Secret)

	_, err = store.WalletByAddress(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerStore_Donations(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	pending := Donation{ID: uuid.New(), DonorID: uuid.New(), Amount: decimal.RequireFromString("2.00")}
	done := Donation{ID: uuid.New(), DonorID: uuid.New(), Amount: decimal.RequireFromString("1.00"), Granted: true}
	require.NoError(t, db.Create(&pending).Error)
	require.NoError(t, db.Create(&done).Error)

	list, err := store.PendingDonations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Amount.Equal(decimal.RequireFromString("2")))

	require.NoError(t, store.MarkDonationGranted(ctx, pending.ID))
	require.NoError(t, store.MarkDonationGranted(ctx, pending.ID))
	assert.ErrorIs(t, store.MarkDonationGranted(ctx, uuid.New()), ErrNotFound)

	list, err = store.PendingDonations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLedgerStore_Settlement(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	mk := func(typ int8, hash *string) Transaction {
		tx := Transaction{ID: uuid.New(), From: uuid.New(), To: uuid.New(), Amount: decimal.NewFromInt(1), Type: typ, Hash: hash}
		require.NoError(t, db.Create(&tx).Error)
		return tx
	}
	d1 := mk(TypeDonation, nil)
	mk(TypeDonationPlus, nil)
	mk(TypeDonation, strPtr("settled"))
	mk(TypeSpend, nil)
	mk(2, nil)

	donor, err := store.UnsettledTransactions(ctx, CategoryDonorTopUp)
	require.NoError(t, err)
	assert.Len(t, donor, 2)

	spend, err := store.UnsettledTransactions(ctx, CategoryStoreSpend)
	require.NoError(t, err)
	assert.Len(t, spend, 1)

	none, err := store.UnsettledTransactions(ctx, CategoryUnknown)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, store.CommitSettlement(ctx, d1.ID, "sig-1"))
	require.NoError(t, store.CommitSettlement(ctx, d1.ID, "sig-1"))
	assert.ErrorIs(t, store.CommitSettlement(ctx, d1.ID, "sig-2"), ErrAlreadySettled)
	assert.ErrorIs(t, store.CommitSettlement(ctx, uuid.New(), "sig-3"), ErrNotFound)

	donor, err = store.UnsettledTransactions(ctx, CategoryDonorTopUp)
	require.NoError(t, err)
	assert.Len(t, donor, 1)

	counts, err := store.CountUnsettled(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["donor_top_up"])
	assert.Equal(t, int64(1), counts["store_spend"])
	assert.Equal(t, int64(0), counts["expiry_refund"])
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategoryDonorTopUp, CategoryOf(1))
	assert.Equal(t, CategoryDonorTopUp, CategoryOf(3))
	assert.Equal(t, CategoryRecipientDistribution, CategoryOf(4))
	assert.Equal(t, CategoryStoreSpend, CategoryOf(5))
	assert.Equal(t, CategoryExpiryRefund, CategoryOf(6))
	assert.Equal(t, CategoryUnknown, CategoryOf(2))
}

func TestLedgerStore_NonPositiveAmountsNotEligible(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-1.5"} {
		require.NoError(t, db.Create(&Donation{ID: uuid.New(), DonorID: uuid.New(), Amount: decimal.RequireFromString(amount)}).Error)
		require.NoError(t, db.Create(&Transaction{ID: uuid.New(), From: uuid.New(), To: uuid.New(), Amount: decimal.RequireFromString(amount), Type: TypeSpend}).Error)
	}
	require.NoError(t, db.Create(&Transaction{ID: uuid.New(), From: uuid.New(), To: uuid.New(), Amount: decimal.RequireFromString("0.01"), Type: TypeSpend}).Error)

	donations, err := store.PendingDonations(ctx)
	require.NoError(t, err)
	assert.Empty(t, donations)

	spend, err := store.UnsettledTransactions(ctx, CategoryStoreSpend)
	require.NoError(t, err)
	assert.Len(t, spend, 1)

	counts, err := store.CountUnsettled(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["store_spend"])
}

func TestAutoMigrate_LeavesExistingTablesAlone(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	// 外部写入方建好的表, 没有唯一索引, 多一列备注
	require.NoError(t, db.Exec("CREATE TABLE donors (id char(36) PRIMARY KEY, wallet varchar(255), note text)").Error)
	require.NoError(t, db.Exec("CREATE TABLE transactions (id char(36) PRIMARY KEY, `from` char(36), `to` char(36), amount decimal(20,8), type int, hash varchar(255))").Error)

	require.NoError(t, AutoMigrate(db))
	require.NoError(t, AutoMigrate(db))

	m := db.Migrator()
	assert.False(t, m.HasIndex(&Donor{}, "Wallet"))
	assert.False(t, m.HasIndex(&Transaction{}, "idx_type_hash"))
	assert.True(t, m.HasColumn("donors", "note"))

	for _, table := range []string{"recipients", "wallets", "donations"} {
		assert.True(t, m.HasTable(table), table)
	}
	assert.True(t, m.HasIndex(&Recipient{}, "Wallet"))
}
