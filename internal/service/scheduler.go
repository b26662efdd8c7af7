package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Scheduler 按固定间隔触发流水线, 运行不会重叠
type Scheduler struct {
	pipeline   *Pipeline
	interval   time.Duration
	runOnStart bool
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(p *Pipeline, interval time.Duration, runOnStart bool) *Scheduler {
	return &Scheduler{
		pipeline:   p,
		interval:   interval,
		runOnStart: runOnStart,
		stopCh:     make(chan struct{}),
	}
}

// Start 启动调度协程
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if s.runOnStart {
			s.tick()
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stopCh:
				return
			}
		}
	}()
	log.Printf("Pipeline scheduler started (interval: %v)", s.interval)
}

// tick 同步执行一次, 手动触发的运行未结束时跳过
func (s *Scheduler) tick() {
	_, err := s.pipeline.Execute(context.Background())
	if errors.Is(err, ErrRunInProgress) {
		log.Println("Pipeline run skipped: previous run still in progress")
	}
}

// Stop 停止调度并等待进行中的运行结束
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.pipeline.Wait()
	log.Println("Pipeline scheduler stopped")
}
