package service

import (
	"context"
	"log"
)

// ReservePolicy 原生币储备策略
type ReservePolicy struct {
	MinThreshold uint64 `json:"min_threshold"`
	TopUp        uint64 `json:"top_up"`
}

// ReserveResult 储备检查结果
type ReserveResult int

const (
	ReserveSufficient   ReserveResult = iota // 余额充足
	ReserveToppedUp                          // 已补充
	ReserveTopUpFailed                       // 补充失败
	ReserveQueryFailed                       // 余额查询失败
)

func (r ReserveResult) String() string {
	switch r {
	case ReserveSufficient:
		return "sufficient"
	case ReserveToppedUp:
		return "topped_up"
	case ReserveTopUpFailed:
		return "top_up_failed"
	default:
		return "query_failed"
	}
}

// GasReserveManager 保证签名钱包有足够的原生币支付手续费
// 失败只记录日志, 不阻止后续转账
type GasReserveManager struct {
	client ValueTransferClient
}

// NewGasReserveManager 创建储备管理器
func NewGasReserveManager(client ValueTransferClient) *GasReserveManager {
	return &GasReserveManager{client: client}
}

// EnsureReserve 余额低于阈值时补充 TopUp
func (m *GasReserveManager) EnsureReserve(ctx context.Context, address string, policy ReservePolicy) ReserveResult {
	balance, err := m.client.QueryNativeBalance(ctx, address)
	if err != nil {
		log.Printf("Failed to query native balance of %s: %v", address, err)
		return ReserveQueryFailed
	}
	if balance >= policy.MinThreshold {
		return ReserveSufficient
	}
	if policy.TopUp == 0 {
		return ReserveSufficient
	}

	ref, err := m.client.Grant(ctx, address, 0, policy.TopUp)
	if err != nil {
		log.Printf("Failed to top up reserve of %s (balance %d < %d): %v", address, balance, policy.MinThreshold, err)
		return ReserveTopUpFailed
	}
	log.Printf("Topped up reserve of %s by %d (balance %d < %d), ref %s", address, policy.TopUp, balance, policy.MinThreshold, ref)
	return ReserveToppedUp
}
