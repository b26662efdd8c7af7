package service

import (
	"context"

	"github.com/google/uuid"

	"charityledger/internal/chain"
	"charityledger/internal/journal"
	"charityledger/internal/model"
)

// LedgerStore 账本存储
type LedgerStore interface {
	DonorsWithoutWallet(ctx context.Context) ([]model.Participant, error)
	RecipientsWithoutWallet(ctx context.Context) ([]model.Participant, error)
	Donors(ctx context.Context) (map[uuid.UUID]model.Participant, error)
	Recipients(ctx context.Context) (map[uuid.UUID]model.Participant, error)
	AssignWallet(ctx context.Context, kind model.ParticipantKind, id uuid.UUID, address string) error
	SaveWallet(ctx context.Context, w *model.Wallet) error
	WalletByAddress(ctx context.Context, address string) (*model.Wallet, error)
	PendingDonations(ctx context.Context) ([]model.Donation, error)
	MarkDonationGranted(ctx context.Context, id uuid.UUID) error
	UnsettledTransactions(ctx context.Context, category model.Category) ([]model.Transaction, error)
	CommitSettlement(ctx context.Context, id uuid.UUID, ref string) error
}

// ValueTransferClient 链上价值转移客户端, 金额均为链上最小单位
type ValueTransferClient interface {
	GenerateKeyPair(ctx context.Context) (chain.KeyPair, error)
	DeployWallet(ctx context.Context, public string, initialTokens uint64) (string, error)
	QueryNativeBalance(ctx context.Context, address string) (uint64, error)
	QueryTokenBalance(ctx context.Context, address string) (uint64, error)
	Grant(ctx context.Context, address string, tokens, fee uint64) (string, error)
	Transfer(ctx context.Context, from, to string, tokens uint64, creds chain.KeyPair) (string, error)
	TotalSupply(ctx context.Context) (uint64, error)
	Status(ctx context.Context, ref string) (chain.TxStatus, error)
}

// Journal 去重日志, 独立于账本存储
type Journal interface {
	Get(key string) (journal.Entry, bool, error)
	Put(e journal.Entry) error
	Delete(key string) error
	List() ([]journal.Entry, error)
}

var (
	_ LedgerStore         = (*model.LedgerStore)(nil)
	_ ValueTransferClient = (*chain.SolanaClient)(nil)
	_ Journal             = (*journal.MemoryJournal)(nil)
	_ Journal             = (*journal.FileJournal)(nil)
)

func walletKey(kind model.ParticipantKind, id uuid.UUID) string {
	return "wallet:" + string(kind) + ":" + id.String()
}

func donationKey(id uuid.UUID) string {
	return "donation:" + id.String()
}

func txKey(id uuid.UUID) string {
	return "tx:" + id.String()
}

func shortfallKey(id uuid.UUID) string {
	return "shortfall:" + id.String()
}
