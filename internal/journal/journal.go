package journal

import (
	"sort"
	"sync"
	"time"
)

// State 日志条目状态
type State string

const (
	StateIntent   State = "intent"   // 已生成密钥, 钱包尚未确认部署
	StateDeployed State = "deployed" // 钱包已上链, 账本关联尚未写入
	StatePending  State = "pending"  // 交易已广播, 尚未确认
	StateSent     State = "sent"     // 链上已确认, 账本尚未写入
	StateCooldown State = "cooldown" // 补差发放后的冷却期
)

// Entry 去重日志条目
type Entry struct {
	Key       string    `json:"key"`
	State     State     `json:"state"`
	Ref       string    `json:"ref,omitempty"`
	Address   string    `json:"address,omitempty"`
	Public    string    `json:"public,omitempty"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired 条目是否已过期, ExpiresAt 为零值时永不过期
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Redacted 去掉私钥后的副本
func (e Entry) Redacted() Entry {
	e.Secret = ""
	return e
}

// Option 日志配置项
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// entries 内存索引, 两种实现共用
type entries struct {
	mu   sync.Mutex
	data map[string]Entry
	now  func() time.Time
}

func newEntries(now func() time.Time) *entries {
	return &entries{data: make(map[string]Entry), now: now}
}

// getLocked 读取条目, 过期条目视为不存在并返回 true 表示需要落盘
func (s *entries) getLocked(key string) (Entry, bool, bool) {
	e, ok := s.data[key]
	if !ok {
		return Entry{}, false, false
	}
	if e.Expired(s.now()) {
		delete(s.data, key)
		return Entry{}, false, true
	}
	return e, true, false
}

func (s *entries) putLocked(e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.data[e.Key] = e
}

func (s *entries) listLocked() []Entry {
	now := s.now()
	out := make([]Entry, 0, len(s.data))
	for k, e := range s.data {
		if e.Expired(now) {
			delete(s.data, k)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// MemoryJournal 内存日志, 进程重启后丢失
type MemoryJournal struct {
	s *entries
}

// NewMemoryJournal 创建内存日志
func NewMemoryJournal(opts ...Option) *MemoryJournal {
	o := buildOptions(opts)
	return &MemoryJournal{s: newEntries(o.now)}
}

func (j *MemoryJournal) Get(key string) (Entry, bool, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	e, ok, _ := j.s.getLocked(key)
	return e, ok, nil
}

func (j *MemoryJournal) Put(e Entry) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	j.s.putLocked(e)
	return nil
}

func (j *MemoryJournal) Delete(key string) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	delete(j.s.data, key)
	return nil
}

func (j *MemoryJournal) List() ([]Entry, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	return j.s.listLocked(), nil
}
