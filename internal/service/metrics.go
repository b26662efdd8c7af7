package service

import (
	"fmt"
	"sync"
	"time"
)

// PipelineMetrics 流水线监控指标
type PipelineMetrics struct {
	mu sync.RWMutex

	// 运行统计
	RunCount        int64
	LastRunTime     time.Time
	LastRunDuration time.Duration

	// 各阶段累计结果
	Eligible map[string]int64
	Settled  map[string]int64
	Retry    map[string]int64
	Deferred map[string]int64
	Skipped  map[string]int64
	Gaps     map[string]int64

	// 错误统计
	StageErrors   map[string]int64
	LastError     map[string]string
	LastErrorTime map[string]time.Time

	// RPC 统计, 以方法名为键
	RPCCallCount  map[string]int64
	RPCFailCount  map[string]int64
	RPCRetryCount map[string]int64

	lastRunGaps int
}

// NewPipelineMetrics 创建监控指标
func NewPipelineMetrics() *PipelineMetrics {
	m := &PipelineMetrics{}
	m.reset()
	return m
}

func (m *PipelineMetrics) reset() {
	m.RunCount = 0
	m.LastRunTime = time.Time{}
	m.LastRunDuration = 0
	m.Eligible = make(map[string]int64)
	m.Settled = make(map[string]int64)
	m.Retry = make(map[string]int64)
	m.Deferred = make(map[string]int64)
	m.Skipped = make(map[string]int64)
	m.Gaps = make(map[string]int64)
	m.StageErrors = make(map[string]int64)
	m.LastError = make(map[string]string)
	m.LastErrorTime = make(map[string]time.Time)
	m.RPCCallCount = make(map[string]int64)
	m.RPCFailCount = make(map[string]int64)
	m.RPCRetryCount = make(map[string]int64)
	m.lastRunGaps = 0
}

// RecordRun 记录一次运行
func (m *PipelineMetrics) RecordRun(r *RunReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RunCount++
	m.LastRunTime = r.FinishedAt
	m.LastRunDuration = r.Duration()
	m.lastRunGaps = 0

	for _, s := range r.Stages {
		m.Eligible[s.Name] += int64(s.Eligible)
		m.Settled[s.Name] += int64(s.Settled)
		m.Retry[s.Name] += int64(s.Retry)
		m.Deferred[s.Name] += int64(s.Deferred)
		m.Skipped[s.Name] += int64(s.Skipped)
		m.Gaps[s.Name] += int64(s.Gap)
		m.lastRunGaps += s.Gap
		if s.Error != "" {
			m.StageErrors[s.Name]++
			m.LastError[s.Name] = s.Error
			m.LastErrorTime[s.Name] = r.FinishedAt
		}
	}
}

// RecordGap 记录记账缺口
func (m *PipelineMetrics) RecordGap(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.LastError["gap"] = key + ": " + err.Error()
		m.LastErrorTime["gap"] = time.Now()
	}
}

// RecordRPCCall 记录 RPC 调用
func (m *PipelineMetrics) RecordRPCCall(method string, success bool, retries int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RPCCallCount[method]++
	if !success {
		m.RPCFailCount[method]++
	}
	if retries > 0 {
		m.RPCRetryCount[method] += int64(retries)
	}
}

// GetMetrics 获取所有指标
func (m *PipelineMetrics) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	successRate := make(map[string]float64)
	for method, count := range m.RPCCallCount {
		if count > 0 {
			successRate[method] = float64(count-m.RPCFailCount[method]) / float64(count) * 100
		}
	}

	return map[string]interface{}{
		"run_count":         m.RunCount,
		"last_run_time":     m.LastRunTime,
		"last_run_duration": m.LastRunDuration.String(),
		"eligible":          copyCounts(m.Eligible),
		"settled":           copyCounts(m.Settled),
		"retry":             copyCounts(m.Retry),
		"deferred":          copyCounts(m.Deferred),
		"skipped":           copyCounts(m.Skipped),
		"gaps":              copyCounts(m.Gaps),
		"stage_errors":      copyCounts(m.StageErrors),
		"last_error":        copyStrings(m.LastError),
		"rpc_call_count":    copyCounts(m.RPCCallCount),
		"rpc_fail_count":    copyCounts(m.RPCFailCount),
		"rpc_retry_count":   copyCounts(m.RPCRetryCount),
		"rpc_success_rate":  successRate,
	}
}

// Reset 重置指标
func (m *PipelineMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

// ShouldAlert 检查是否需要告警
// maxIdle 为允许的最长无运行时间, 一般取调度间隔的数倍
func (m *PipelineMetrics) ShouldAlert(maxIdle time.Duration) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastRunGaps > 0 {
		return true, fmt.Sprintf("Last run left %d ledger gaps", m.lastRunGaps)
	}

	var calls, fails int64
	for method, count := range m.RPCCallCount {
		calls += count
		fails += m.RPCFailCount[method]
	}
	if calls >= 10 {
		failureRate := float64(fails) / float64(calls) * 100
		if failureRate > 30 {
			return true, fmt.Sprintf("RPC failure rate: %.2f%%", failureRate)
		}
	}

	if !m.LastRunTime.IsZero() && maxIdle > 0 && time.Since(m.LastRunTime) > maxIdle {
		return true, fmt.Sprintf("Pipeline hasn't run for %v", time.Since(m.LastRunTime).Round(time.Second))
	}

	return false, ""
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
