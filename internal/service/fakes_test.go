package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"charityledger/internal/chain"
	"charityledger/internal/journal"
	"charityledger/internal/model"
)

var errBoom = errors.New("boom")

// fakeStore 内存账本
type fakeStore struct {
	mu         sync.Mutex
	donors     map[uuid.UUID]*string
	recipients map[uuid.UUID]*string
	wallets    map[string]model.Wallet
	donations  []*model.Donation
	txs        []*model.Transaction
	calls      []string

	failAssign      int
	failSaveWallet  int
	failCommit      int
	failMarkGranted int
	failEligibility error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		donors:     make(map[uuid.UUID]*string),
		recipients: make(map[uuid.UUID]*string),
		wallets:    make(map[string]model.Wallet),
	}
}

func (s *fakeStore) record(name string) {
	s.calls = append(s.calls, name)
}

func (s *fakeStore) callNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeStore) addDonor(wallet string) uuid.UUID {
	id := uuid.New()
	if wallet == "" {
		s.donors[id] = nil
	} else {
		w := wallet
		s.donors[id] = &w
	}
	return id
}

func (s *fakeStore) addRecipient(wallet string) uuid.UUID {
	id := uuid.New()
	if wallet == "" {
		s.recipients[id] = nil
	} else {
		w := wallet
		s.recipients[id] = &w
	}
	return id
}

func (s *fakeStore) addWallet(address string) {
	s.wallets[address] = model.Wallet{Address: address, Public: "pub-" + address, Secret: "sec-" + address}
}

func (s *fakeStore) addDonation(donor uuid.UUID, amount string) *model.Donation {
	d := &model.Donation{ID: uuid.New(), DonorID: donor, Amount: decimal.RequireFromString(amount)}
	s.donations = append(s.donations, d)
	return d
}

func (s *fakeStore) addTx(typ int8, from, to uuid.UUID, amount string) *model.Transaction {
	tx := &model.Transaction{ID: uuid.New(), From: from, To: to, Amount: decimal.RequireFromString(amount), Type: typ}
	s.txs = append(s.txs, tx)
	return tx
}

func (s *fakeStore) walletOf(kind model.ParticipantKind, id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.donors
	if kind == model.KindRecipient {
		set = s.recipients
	}
	if w := set[id]; w != nil {
		return *w
	}
	return ""
}

func lacking(set map[uuid.UUID]*string, kind model.ParticipantKind) []model.Participant {
	var out []model.Participant
	for id, w := range set {
		if w == nil {
			out = append(out, model.Participant{ID: id, Kind: kind})
		}
	}
	return out
}

func snapshot(set map[uuid.UUID]*string, kind model.ParticipantKind) map[uuid.UUID]model.Participant {
	out := make(map[uuid.UUID]model.Participant, len(set))
	for id, w := range set {
		var cp *string
		if w != nil {
			v := *w
			cp = &v
		}
		out[id] = model.Participant{ID: id, Kind: kind, Wallet: cp}
	}
	return out
}

func (s *fakeStore) DonorsWithoutWallet(ctx context.Context) ([]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("DonorsWithoutWallet")
	if s.failEligibility != nil {
		return nil, s.failEligibility
	}
	return lacking(s.donors, model.KindDonor), nil
}

func (s *fakeStore) RecipientsWithoutWallet(ctx context.Context) ([]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("RecipientsWithoutWallet")
	if s.failEligibility != nil {
		return nil, s.failEligibility
	}
	return lacking(s.recipients, model.KindRecipient), nil
}

func (s *fakeStore) Donors(ctx context.Context) (map[uuid.UUID]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Donors")
	return snapshot(s.donors, model.KindDonor), nil
}

func (s *fakeStore) Recipients(ctx context.Context) (map[uuid.UUID]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Recipients")
	return snapshot(s.recipients, model.KindRecipient), nil
}

func (s *fakeStore) AssignWallet(ctx context.Context, kind model.ParticipantKind, id uuid.UUID, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("AssignWallet")
	if s.failAssign > 0 {
		s.failAssign--
		return errBoom
	}
	set := s.donors
	if kind == model.KindRecipient {
		set = s.recipients
	}
	cur, ok := set[id]
	if !ok {
		return model.ErrNotFound
	}
	if cur != nil {
		if *cur == address {
			return nil
		}
		return model.ErrWalletAssigned
	}
	a := address
	set[id] = &a
	return nil
}

func (s *fakeStore) SaveWallet(ctx context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SaveWallet")
	if s.failSaveWallet > 0 {
		s.failSaveWallet--
		return errBoom
	}
	if _, ok := s.wallets[w.Address]; !ok {
		s.wallets[w.Address] = *w
	}
	return nil
}

func (s *fakeStore) WalletByAddress(ctx context.Context, address string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("WalletByAddress")
	w, ok := s.wallets[address]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &w, nil
}

func (s *fakeStore) PendingDonations(ctx context.Context) ([]model.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("PendingDonations")
	if s.failEligibility != nil {
		return nil, s.failEligibility
	}
	var out []model.Donation
	for _, d := range s.donations {
		if !d.Granted && d.Amount.IsPositive() {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkDonationGranted(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("MarkDonationGranted")
	if s.failMarkGranted > 0 {
		s.failMarkGranted--
		return errBoom
	}
	for _, d := range s.donations {
		if d.ID == id {
			d.Granted = true
			return nil
		}
	}
	return model.ErrNotFound
}

func (s *fakeStore) UnsettledTransactions(ctx context.Context, category model.Category) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UnsettledTransactions")
	if s.failEligibility != nil {
		return nil, s.failEligibility
	}
	var out []model.Transaction
	for _, tx := range s.txs {
		if tx.Hash == nil && tx.Amount.IsPositive() && model.CategoryOf(tx.Type) == category {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (s *fakeStore) CommitSettlement(ctx context.Context, id uuid.UUID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("CommitSettlement")
	if s.failCommit > 0 {
		s.failCommit--
		return errBoom
	}
	for _, tx := range s.txs {
		if tx.ID == id {
			if tx.Hash != nil {
				if *tx.Hash == ref {
					return nil
				}
				return model.ErrAlreadySettled
			}
			r := ref
			tx.Hash = &r
			return nil
		}
	}
	return model.ErrNotFound
}

type grantCall struct {
	address string
	tokens  uint64
	fee     uint64
}

type transferCall struct {
	from   string
	to     string
	tokens uint64
	creds  chain.KeyPair
}

// fakeChain 内存链
type fakeChain struct {
	mu        sync.Mutex
	native    map[string]uint64
	tokens    map[string]uint64
	status    map[string]chain.TxStatus
	calls     []string
	keygens   int
	deploys   []string
	grants    []grantCall
	transfers []transferCall
	seq       int

	failKeygen   error
	failDeploy   error
	failNative   error
	failToken    error
	failGrant    error
	failTransfer error
	// 广播成功但确认超时
	unconfirmed bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		native: make(map[string]uint64),
		tokens: make(map[string]uint64),
		status: make(map[string]chain.TxStatus),
	}
}

func (c *fakeChain) nextRef() string {
	c.seq++
	return fmt.Sprintf("sig-%d", c.seq)
}

func (c *fakeChain) callNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChain) GenerateKeyPair(ctx context.Context) (chain.KeyPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "GenerateKeyPair")
	if c.failKeygen != nil {
		return chain.KeyPair{}, c.failKeygen
	}
	c.keygens++
	return chain.KeyPair{Public: fmt.Sprintf("pub-%d", c.keygens), Secret: fmt.Sprintf("sec-%d", c.keygens)}, nil
}

func (c *fakeChain) DeployWallet(ctx context.Context, public string, initialTokens uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "DeployWallet")
	if c.failDeploy != nil {
		return "", c.failDeploy
	}
	c.deploys = append(c.deploys, public)
	return "addr-" + public, nil
}

func (c *fakeChain) QueryNativeBalance(ctx context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "QueryNativeBalance")
	if c.failNative != nil {
		return 0, c.failNative
	}
	return c.native[address], nil
}

func (c *fakeChain) QueryTokenBalance(ctx context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "QueryTokenBalance")
	if c.failToken != nil {
		return 0, c.failToken
	}
	return c.tokens[address], nil
}

func (c *fakeChain) Grant(ctx context.Context, address string, tokens, fee uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "Grant")
	if c.failGrant != nil {
		return "", c.failGrant
	}
	c.grants = append(c.grants, grantCall{address, tokens, fee})
	c.tokens[address] += tokens
	c.native[address] += fee
	ref := c.nextRef()
	if c.unconfirmed {
		return ref, chain.ErrNotConfirmed
	}
	c.status[ref] = chain.TxLanded
	return ref, nil
}

func (c *fakeChain) Transfer(ctx context.Context, from, to string, tokens uint64, creds chain.KeyPair) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "Transfer")
	if c.failTransfer != nil {
		return "", c.failTransfer
	}
	if c.tokens[from] < tokens {
		return "", chain.ErrInsufficientFunds
	}
	c.transfers = append(c.transfers, transferCall{from, to, tokens, creds})
	c.tokens[from] -= tokens
	c.tokens[to] += tokens
	ref := c.nextRef()
	if c.unconfirmed {
		return ref, chain.ErrNotConfirmed
	}
	c.status[ref] = chain.TxLanded
	return ref, nil
}

func (c *fakeChain) TotalSupply(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, v := range c.tokens {
		total += v
	}
	return total, nil
}

func (c *fakeChain) Status(ctx context.Context, ref string) (chain.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "Status")
	return c.status[ref], nil
}

// testClock 可控时间源
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const (
	charityAddr = "charity"
	storeAddr   = "store"
)

func testOptions() PipelineOptions {
	return PipelineOptions{
		ScaleFactor:       100,
		GrantFee:          50_000_000,
		ShortfallFee:      50_000_000,
		ShortfallCooldown: 10 * time.Minute,
		PendingExpiry:     2 * time.Minute,
		Charity: OperatingWallet{
			Address: charityAddr,
			Keys:    chain.KeyPair{Public: "pub-charity", Secret: "sec-charity"},
		},
		StoreAddress: storeAddr,
		Reserve: ReservePolicies{
			Default:      ReservePolicy{MinThreshold: 50_000_000, TopUp: 50_000_000},
			Operating:    ReservePolicy{MinThreshold: 50_000_000, TopUp: 5_000_000_000},
			Distribution: ReservePolicy{MinThreshold: 1_000_000, TopUp: 1_000_000},
		},
	}
}

type harness struct {
	store   *fakeStore
	chain   *fakeChain
	journal *journal.MemoryJournal
	clock   *testClock
	p       *Pipeline
}

func newHarness(opts ...Option) *harness {
	h := &harness{store: newFakeStore(), chain: newFakeChain(), clock: newTestClock()}
	h.journal = journal.NewMemoryJournal(journal.WithClock(h.clock.now))
	all := append([]Option{WithClock(h.clock.now)}, opts...)
	p, err := NewPipeline(h.store, h.chain, h.journal, testOptions(), all...)
	if err != nil {
		panic(err)
	}
	h.p = p
	return h
}

func (h *harness) executor() *TransferExecutor {
	return h.p.executor
}

func (h *harness) parts(ctx context.Context) Participants {
	donors, _ := h.store.Donors(ctx)
	recipients, _ := h.store.Recipients(ctx)
	return Participants{Donors: donors, Recipients: recipients}
}

func chainKeys(public, secret string) chain.KeyPair {
	return chain.KeyPair{Public: public, Secret: secret}
}
