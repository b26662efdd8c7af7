package chain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"charityledger/internal/util"
)

// CallObserver RPC 调用观察者, 用于指标统计
type CallObserver func(method string, success bool, retries int)

// endpointPool 多节点 RPC 客户端, 支持重试和故障转移
type endpointPool struct {
	endpoints       []string
	clients         []*rpc.Client
	currentIndex    int
	maxRetries      int
	retryDelay      time.Duration
	failureCount    map[string]int
	lastFailureTime map[string]time.Time
	healthCheckInt  time.Duration
	limiter         *util.RateLimiter
	observer        CallObserver
	mu              sync.RWMutex
}

func newEndpointPool(endpoints []string, timeout time.Duration, limiter *util.RateLimiter) (*endpointPool, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no rpc endpoints configured")
	}
	p := &endpointPool{
		endpoints:       endpoints,
		maxRetries:      3,
		retryDelay:      500 * time.Millisecond,
		failureCount:    make(map[string]int),
		lastFailureTime: make(map[string]time.Time),
		healthCheckInt:  time.Minute,
		limiter:         limiter,
	}
	httpClient := &http.Client{Timeout: timeout}
	for _, ep := range endpoints {
		rpcClient := jsonrpc.NewClientWithOpts(ep, &jsonrpc.RPCClientOpts{HTTPClient: httpClient})
		p.clients = append(p.clients, rpc.NewWithCustomRPCClient(rpcClient))
	}
	return p, nil
}

// call 在当前节点上执行 fn, 网络错误时指数退避重试, 重试耗尽后切换节点
// 节点返回的 JSON-RPC 错误是确定性结果, 不重试
func (p *endpointPool) call(ctx context.Context, method string, fn func(*rpc.Client) error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	retries := 0
	switches := 0

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		idx, endpoint := p.current()
		err := fn(p.clients[idx])
		if err == nil {
			p.recordSuccess(endpoint)
			p.observe(method, true, retries)
			return nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			p.observe(method, false, retries)
			return err
		}

		p.recordFailure(endpoint)

		if attempt == p.maxRetries {
			if switches < len(p.endpoints)-1 && p.switchEndpoint() {
				switches++
				attempt = -1
				continue
			}
			break
		}

		retries++
		delay := p.retryDelay * time.Duration(1<<uint(attempt))
		log.Printf("RPC %s failed (attempt %d/%d): %v, retrying in %v",
			method, attempt+1, p.maxRetries+1, err, delay)
		select {
		case <-ctx.Done():
			p.observe(method, false, retries)
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	p.observe(method, false, retries)
	return fmt.Errorf("all RPC endpoints failed: %w", lastErr)
}

func (p *endpointPool) observe(method string, success bool, retries int) {
	if p.observer != nil {
		p.observer(method, success, retries)
	}
}

func (p *endpointPool) current() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentIndex >= len(p.endpoints) {
		p.currentIndex = 0
	}
	return p.currentIndex, p.endpoints[p.currentIndex]
}

// switchEndpoint 切换到下一个健康节点
func (p *endpointPool) switchEndpoint() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) <= 1 {
		return false
	}

	start := p.currentIndex
	for i := 0; i < len(p.endpoints)-1; i++ {
		p.currentIndex = (p.currentIndex + 1) % len(p.endpoints)
		endpoint := p.endpoints[p.currentIndex]
		if p.isEndpointHealthy(endpoint) {
			log.Printf("Switched RPC endpoint from %s to %s", p.endpoints[start], endpoint)
			return true
		}
	}

	p.currentIndex = start
	return false
}

// isEndpointHealthy 失败少于 3 次或距上次失败超过检查间隔的节点视为健康
func (p *endpointPool) isEndpointHealthy(endpoint string) bool {
	if p.failureCount[endpoint] < 3 {
		return true
	}
	if time.Since(p.lastFailureTime[endpoint]) > p.healthCheckInt {
		p.failureCount[endpoint] = 0
		return true
	}
	return false
}

func (p *endpointPool) recordSuccess(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failureCount[endpoint] = 0
}

func (p *endpointPool) recordFailure(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failureCount[endpoint]++
	p.lastFailureTime[endpoint] = time.Now()
}

// Stats 节点统计信息
func (p *endpointPool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	failures := make(map[string]int, len(p.failureCount))
	for k, v := range p.failureCount {
		failures[k] = v
	}
	return map[string]interface{}{
		"endpoints":      p.endpoints,
		"current_index":  p.currentIndex,
		"failure_counts": failures,
	}
}

// retryable 判断错误是否值得在同一请求上重试
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, rpc.ErrNotFound) {
		return false
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code >= 500 || httpErr.Code == http.StatusTooManyRequests
	}
	return true
}
