package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baibot/bai/internal/dispatch"
	"github.com/baibot/bai/internal/logger"
)

var (
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrQueueFull      = errors.New("update queue full")
)

// Dispatcher handles one update; *dispatch.Pipeline satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, u dispatch.Update) error
}

// WorkerPool runs dispatches concurrently off a bounded queue.
type WorkerPool struct {
	dispatcher  Dispatcher
	queue       chan dispatch.Update
	workerCount int
	stopTimeout time.Duration

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.RWMutex
}

type WorkerPoolConfig struct {
	Workers     int
	QueueSize   int
	StopTimeout time.Duration // how long Stop waits for queued updates
}

func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:     8,
		QueueSize:   100,
		StopTimeout: 30 * time.Second,
	}
}

func NewWorkerPool(dispatcher Dispatcher, config WorkerPoolConfig) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if config.Workers < 1 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize < 1 {
		config.QueueSize = defaults.QueueSize
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		dispatcher:  dispatcher,
		queue:       make(chan dispatch.Update, config.QueueSize),
		workerCount: config.Workers,
		stopTimeout: config.StopTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("worker pool already started")
	}

	logger.Info("Starting worker pool", map[string]interface{}{
		"workers":    wp.workerCount,
		"queue_size": cap(wp.queue),
	})

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.started = true
	return nil
}

// Stop closes the queue and lets workers drain it. Dispatches still running
// after the stop timeout have their context cancelled.
func (wp *WorkerPool) Stop() error {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return ErrPoolNotStarted
	}
	wp.started = false
	close(wp.queue)
	wp.mu.Unlock()

	logger.InfoMsg("Stopping worker pool...")

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		logger.InfoMsg("Worker pool stopped gracefully")
		return nil
	case <-time.After(wp.stopTimeout):
		wp.cancel()
		<-done
		logger.Warn("Worker pool shutdown timed out", nil)
		return fmt.Errorf("worker pool shutdown timed out")
	}
}

// Submit queues u without blocking.
func (wp *WorkerPool) Submit(u dispatch.Update) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.started {
		return ErrPoolNotStarted
	}

	select {
	case wp.queue <- u:
		logger.Debug("Update queued for processing", map[string]interface{}{
			"chat_id":    u.ChatID,
			"message_id": u.MessageID,
			"queue_size": len(wp.queue),
		})
		return nil
	default:
		logger.Warn("Update queue full, dropping update", map[string]interface{}{
			"chat_id":    u.ChatID,
			"message_id": u.MessageID,
		})
		return ErrQueueFull
	}
}

func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	for u := range wp.queue {
		wp.process(u, workerID)
	}
}

// process recovers panics so one bad update cannot take a worker down.
func (wp *WorkerPool) process(u dispatch.Update, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker panic recovered", map[string]interface{}{
				"worker_id":  workerID,
				"chat_id":    u.ChatID,
				"message_id": u.MessageID,
				"panic":      r,
			})
		}
	}()

	startTime := time.Now()
	if err := wp.dispatcher.Dispatch(wp.ctx, u); err != nil {
		logger.Error("Error processing update", map[string]interface{}{
			"worker_id":  workerID,
			"error":      err.Error(),
			"chat_id":    u.ChatID,
			"message_id": u.MessageID,
		})
	}

	logger.Debug("Update processed", map[string]interface{}{
		"worker_id": workerID,
		"chat_id":   u.ChatID,
		"duration":  time.Since(startTime).String(),
	})
}

func (wp *WorkerPool) GetStats() map[string]interface{} {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	return map[string]interface{}{
		"started":        wp.started,
		"queue_size":     len(wp.queue),
		"queue_capacity": cap(wp.queue),
		"workers":        wp.workerCount,
	}
}
