package service

import (
	"errors"
	"fmt"
	"time"

	"charityledger/internal/chain"
)

// Outcome 单行处理结果
type Outcome int

const (
	OutcomeSettled  Outcome = iota // 已完成并记账
	OutcomeRetry                   // 外部暂时性失败, 下次运行重试
	OutcomeDeferred                // 已发起补救动作, 推迟结算
	OutcomeSkipped                 // 数据本身无法处理
	OutcomeGap                     // 链上已生效但记账失败, 由日志补记
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeGap:
		return "gap"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RowResult 单行处理结果及原因
type RowResult struct {
	ID      string  `json:"id"`
	Outcome Outcome `json:"-"`
	Ref     string  `json:"ref,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Err     error   `json:"-"`
}

func settled(id, ref string) RowResult {
	return RowResult{ID: id, Outcome: OutcomeSettled, Ref: ref}
}

func retry(id string, err error, reason string) RowResult {
	return RowResult{ID: id, Outcome: OutcomeRetry, Err: err, Reason: reason}
}

func deferred(id, reason string) RowResult {
	return RowResult{ID: id, Outcome: OutcomeDeferred, Reason: reason}
}

func skipped(id, reason string) RowResult {
	return RowResult{ID: id, Outcome: OutcomeSkipped, Reason: reason}
}

func gap(id, ref string, err error) RowResult {
	return RowResult{ID: id, Outcome: OutcomeGap, Ref: ref, Err: err, Reason: "ledger write failed after chain success"}
}

// StageReport 单个阶段的统计
type StageReport struct {
	Stage    Stage         `json:"-"`
	Name     string        `json:"stage"`
	Eligible int           `json:"eligible"`
	Settled  int           `json:"settled"`
	Retry    int           `json:"retry"`
	Deferred int           `json:"deferred"`
	Skipped  int           `json:"skipped"`
	Gap      int           `json:"gap"`
	Error    string        `json:"error,omitempty"` // 资格查询失败
	Duration time.Duration `json:"duration"`
}

func (r *StageReport) add(res RowResult) {
	switch res.Outcome {
	case OutcomeSettled:
		r.Settled++
	case OutcomeRetry:
		r.Retry++
	case OutcomeDeferred:
		r.Deferred++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeGap:
		r.Gap++
	}
}

// RunReport 一次运行的报告
type RunReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Stages     []StageReport `json:"stages"`
}

// Duration 运行耗时
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Stage 返回指定阶段的统计
func (r *RunReport) Stage(s Stage) (StageReport, bool) {
	for _, sr := range r.Stages {
		if sr.Stage == s {
			return sr, true
		}
	}
	return StageReport{}, false
}

// Gaps 本次运行产生的记账缺口数
func (r *RunReport) Gaps() int {
	n := 0
	for _, sr := range r.Stages {
		n += sr.Gap
	}
	return n
}

// reasonOf 将链上错误归类为简短原因
func reasonOf(err error) string {
	switch {
	case errors.Is(err, chain.ErrInsufficientFunds):
		return "insufficient funds"
	case errors.Is(err, chain.ErrRejected):
		return "rejected"
	case errors.Is(err, chain.ErrNotConfirmed):
		return "not confirmed"
	case errors.Is(err, chain.ErrInvalidKey):
		return "invalid key"
	default:
		return "external failure"
	}
}
