package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"charityledger/internal/model"
)

var ErrRunInProgress = errors.New("pipeline run already in progress")

// Stage 流水线阶段, 按声明顺序执行
type Stage int

const (
	StageProvisionRecipients Stage = iota
	StageProvisionDonors
	StageGrantDonations
	StageSettleDonorTx
	StageSettleDistributionTx
	StageSettleSpendTx
	StageSettleExpiryTx
	StageDone
)

var stageNames = map[Stage]string{
	StageProvisionRecipients:  "provision_recipients",
	StageProvisionDonors:      "provision_donors",
	StageGrantDonations:       "grant_donations",
	StageSettleDonorTx:        "settle_donor_tx",
	StageSettleDistributionTx: "settle_distribution_tx",
	StageSettleSpendTx:        "settle_spend_tx",
	StageSettleExpiryTx:       "settle_expiry_tx",
	StageDone:                 "done",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// settleStages 结算阶段与交易类别的对应关系
var settleStages = map[Stage]model.Category{
	StageSettleDonorTx:        model.CategoryDonorTopUp,
	StageSettleDistributionTx: model.CategoryRecipientDistribution,
	StageSettleSpendTx:        model.CategoryStoreSpend,
	StageSettleExpiryTx:       model.CategoryExpiryRefund,
}

// Notifier 运行结果与记账缺口通知
type Notifier interface {
	NotifyRun(report *RunReport)
	NotifyGap(key, ref string, err error)
}

// PipelineOptions 流水线参数
type PipelineOptions struct {
	ScaleFactor       int64
	GrantFee          uint64
	ShortfallFee      uint64
	ShortfallCooldown time.Duration
	PendingExpiry     time.Duration
	Charity           OperatingWallet
	StoreAddress      string
	Reserve           ReservePolicies
}

// Validate 检查参数
func (o PipelineOptions) Validate() error {
	if o.ScaleFactor <= 0 {
		return fmt.Errorf("scale factor must be positive, got %d", o.ScaleFactor)
	}
	if o.Charity.Address == "" {
		return errors.New("charity wallet address is required")
	}
	if o.Charity.Keys.Public == "" || o.Charity.Keys.Secret == "" {
		return errors.New("charity wallet credentials are required")
	}
	if o.StoreAddress == "" {
		return errors.New("store wallet address is required")
	}
	return nil
}

// Option 流水线可选项
type Option func(*Pipeline)

// WithMetrics 设置指标收集
func WithMetrics(m *PipelineMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithNotifier 设置通知
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline 结算流水线, 同一实例同时只允许一次运行
type Pipeline struct {
	store       LedgerStore
	provisioner *WalletProvisioner
	granter     *DonationGranter
	executor    *TransferExecutor
	metrics     *PipelineMetrics
	notifier    Notifier
	now         func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup
	mu      sync.RWMutex
	last    *RunReport
}

// NewPipeline 组装流水线
func NewPipeline(store LedgerStore, client ValueTransferClient, j Journal, opts PipelineOptions, options ...Option) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.PendingExpiry <= 0 {
		opts.PendingExpiry = 2 * time.Minute
	}

	p := &Pipeline{store: store, now: time.Now}
	for _, o := range options {
		o(p)
	}

	guard := &dedupGuard{journal: j, client: client, pendingExpiry: opts.PendingExpiry, now: p.now}
	p.provisioner = NewWalletProvisioner(store, client, j)
	p.granter = &DonationGranter{
		store:       store,
		client:      client,
		guard:       guard,
		scaleFactor: opts.ScaleFactor,
		grantFee:    opts.GrantFee,
		onGap:       p.onGap,
	}
	p.executor = &TransferExecutor{
		store:             store,
		client:            client,
		reserve:           NewGasReserveManager(client),
		ledger:            NewSettlementLedger(store),
		guard:             guard,
		charity:           opts.Charity,
		storeAddress:      opts.StoreAddress,
		policies:          opts.Reserve,
		scaleFactor:       opts.ScaleFactor,
		shortfallFee:      opts.ShortfallFee,
		shortfallCooldown: opts.ShortfallCooldown,
		onGap:             p.onGap,
	}
	return p, nil
}

// Execute 同步执行一次完整运行
func (p *Pipeline) Execute(ctx context.Context) (*RunReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	p.wg.Add(1)
	defer p.wg.Done()
	defer p.running.Store(false)

	return p.run(ctx), nil
}

// Trigger 在后台启动一次运行, 已有运行时返回 ErrRunInProgress
func (p *Pipeline) Trigger() error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		p.run(context.Background())
	}()
	return nil
}

// Running 是否正在运行
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Wait 等待进行中的运行结束
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// LastReport 最近一次运行报告
func (p *Pipeline) LastReport() *RunReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Pipeline) run(ctx context.Context) *RunReport {
	report := &RunReport{StartedAt: p.now()}
	log.Println("Pipeline run started")

	for s := StageProvisionRecipients; s < StageDone; s++ {
		start := p.now()
		sr := p.runStage(ctx, s)
		sr.Stage = s
		sr.Name = s.String()
		sr.Duration = p.now().Sub(start)
		report.Stages = append(report.Stages, sr)
		if sr.Error != "" {
			log.Printf("Stage %s eligibility query failed: %s", s, sr.Error)
		} else if sr.Eligible > 0 {
			log.Printf("Stage %s: %d eligible, %d settled, %d retry, %d deferred, %d skipped, %d gap",
				s, sr.Eligible, sr.Settled, sr.Retry, sr.Deferred, sr.Skipped, sr.Gap)
		}
	}

	report.FinishedAt = p.now()
	log.Printf("Pipeline run finished in %v", report.Duration())

	p.mu.Lock()
	p.last = report
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordRun(report)
	}
	if p.notifier != nil {
		p.notifier.NotifyRun(report)
	}
	return report
}

func (p *Pipeline) runStage(ctx context.Context, s Stage) StageReport {
	var sr StageReport
	switch s {
	case StageProvisionRecipients, StageProvisionDonors:
		kind := model.KindRecipient
		if s == StageProvisionDonors {
			kind = model.KindDonor
		}
		results, err := p.provisioner.Provision(ctx, kind)
		for _, r := range results {
			sr.Eligible++
			sr.add(r)
			if r.Outcome == OutcomeGap {
				p.onGap("wallet:"+string(kind)+":"+r.ID, r.Ref, r.Err)
			}
		}
		if err != nil {
			sr.Error = err.Error()
		}

	case StageGrantDonations:
		donations, err := p.store.PendingDonations(ctx)
		if err != nil {
			sr.Error = err.Error()
			return sr
		}
		if len(donations) == 0 {
			return sr
		}
		// 开户阶段之后重新读取, 新开户的捐赠人本次即可发放
		donors, err := p.store.Donors(ctx)
		if err != nil {
			sr.Error = err.Error()
			return sr
		}
		for _, d := range donations {
			sr.Eligible++
			sr.add(p.granter.Grant(ctx, d, donors))
		}

	default:
		category := settleStages[s]
		txs, err := p.store.UnsettledTransactions(ctx, category)
		if err != nil {
			sr.Error = err.Error()
			return sr
		}
		if len(txs) == 0 {
			return sr
		}
		parts, err := p.participants(ctx, category)
		if err != nil {
			sr.Error = err.Error()
			return sr
		}
		for _, tx := range txs {
			sr.Eligible++
			sr.add(p.executor.Settle(ctx, tx, parts))
		}
	}
	return sr
}

func (p *Pipeline) participants(ctx context.Context, category model.Category) (Participants, error) {
	var parts Participants
	var err error
	if category == model.CategoryDonorTopUp {
		parts.Donors, err = p.store.Donors(ctx)
	} else {
		parts.Recipients, err = p.store.Recipients(ctx)
	}
	return parts, err
}

func (p *Pipeline) onGap(key, ref string, err error) {
	if p.metrics != nil {
		p.metrics.RecordGap(key, err)
	}
	if p.notifier != nil {
		p.notifier.NotifyGap(key, ref, err)
	}
}
