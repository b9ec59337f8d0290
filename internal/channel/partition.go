// Package channel provides the buffered partition queue used by the
// in-process message transport. Each partition is an ordered buffer with
// bounded, tunable capacity: the transport grows a partition that keeps
// blocking publishers and shrinks one that sits underutilized.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PartitionConfig configures a partition buffer.
type PartitionConfig struct {
	InitialSize  int           `json:"initial_size"`
	MinSize      int           `json:"min_size"`
	MaxSize      int           `json:"max_size"`
	GrowFactor   float64       `json:"grow_factor"`
	ShrinkFactor float64       `json:"shrink_factor"`
	SampleWindow time.Duration `json:"sample_window"`
}

// DefaultPartitionConfig returns sensible defaults.
func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{
		InitialSize:  64,
		MinSize:      16,
		MaxSize:      4096,
		GrowFactor:   2.0,
		ShrinkFactor: 0.5,
		SampleWindow: 10 * time.Second,
	}
}

// Partition is an ordered, bounded buffer for one delivery partition.
// A single consumer drains it; entries come out in enqueue order.
//
// The buffer is a mutex-guarded ring rather than a channel: Tune resizes
// it in place, so a blocked producer can never write into a stale buffer
// and resizing can never strand an entry.
type Partition[T any] struct {
	config PartitionConfig

	mu    sync.Mutex
	buf   []T
	head  int
	count int
	size  int

	// capacity-1 wakeup tokens; waiters re-check the ring under mu
	notEmpty chan struct{}
	notFull  chan struct{}

	enqueues atomic.Int64
	dequeues atomic.Int64
	blocks   atomic.Int64
	lastTune time.Time
}

// NewPartition creates a partition buffer.
func NewPartition[T any](config PartitionConfig) *Partition[T] {
	if config.InitialSize <= 0 {
		config = DefaultPartitionConfig()
	}
	return &Partition[T]{
		config:   config,
		buf:      make([]T, config.InitialSize),
		size:     config.InitialSize,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		lastTune: time.Now(),
	}
}

// Enqueue appends v, blocking on backpressure until ctx is done.
func (p *Partition[T]) Enqueue(ctx context.Context, v T) error {
	p.enqueues.Add(1)

	blocked := false
	for {
		p.mu.Lock()
		if p.count < p.size {
			p.push(v)
			spare := p.count < p.size
			p.mu.Unlock()
			p.signal(p.notEmpty)
			if spare {
				p.signal(p.notFull)
			}
			return nil
		}
		p.mu.Unlock()

		if !blocked {
			p.blocks.Add(1)
			blocked = true
		}
		select {
		case <-p.notFull:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryEnqueue appends v without blocking.
func (p *Partition[T]) TryEnqueue(v T) bool {
	p.mu.Lock()
	if p.count >= p.size {
		p.mu.Unlock()
		p.blocks.Add(1)
		return false
	}
	p.push(v)
	p.mu.Unlock()

	p.enqueues.Add(1)
	p.signal(p.notEmpty)
	return true
}

// Dequeue removes the next entry, blocking until one arrives or ctx is done.
func (p *Partition[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		p.mu.Lock()
		if p.count > 0 {
			v := p.pop()
			rest := p.count > 0
			p.mu.Unlock()
			p.dequeues.Add(1)
			p.signal(p.notFull)
			if rest {
				p.signal(p.notEmpty)
			}
			return v, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notEmpty:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryDequeue removes the next entry without blocking.
func (p *Partition[T]) TryDequeue() (T, bool) {
	p.mu.Lock()
	if p.count == 0 {
		p.mu.Unlock()
		var zero T
		return zero, false
	}
	v := p.pop()
	p.mu.Unlock()

	p.dequeues.Add(1)
	p.signal(p.notFull)
	return v, true
}

// Len returns the number of buffered entries.
func (p *Partition[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Tune adjusts capacity based on the blocking rate observed since the
// last sample window. Buffered entries always survive a resize.
func (p *Partition[T]) Tune() {
	p.mu.Lock()

	if time.Since(p.lastTune) < p.config.SampleWindow {
		p.mu.Unlock()
		return
	}

	blocks := p.blocks.Swap(0)
	enqueues := p.enqueues.Swap(0)
	if enqueues == 0 {
		p.mu.Unlock()
		return
	}

	blockRate := float64(blocks) / float64(enqueues)
	utilization := float64(p.count) / float64(p.size)

	newSize := p.size
	if blockRate > 0.1 && p.size < p.config.MaxSize {
		newSize = int(float64(p.size) * p.config.GrowFactor)
		if newSize > p.config.MaxSize {
			newSize = p.config.MaxSize
		}
	}
	if utilization < 0.25 && blockRate < 0.01 && p.size > p.config.MinSize {
		newSize = int(float64(p.size) * p.config.ShrinkFactor)
		if newSize < p.config.MinSize {
			newSize = p.config.MinSize
		}
	}

	grew := false
	if newSize != p.size {
		grew = newSize > p.size
		p.resize(newSize)
	}
	p.lastTune = time.Now()
	p.mu.Unlock()

	if grew {
		p.signal(p.notFull)
	}
}

// resize reallocates the ring in place. Never shrinks below the number
// of buffered entries. Caller holds mu.
func (p *Partition[T]) resize(newSize int) {
	if newSize < p.count {
		newSize = p.count
	}
	if newSize == p.size {
		return
	}
	newBuf := make([]T, newSize)
	for i := 0; i < p.count; i++ {
		newBuf[i] = p.buf[(p.head+i)%p.size]
	}
	p.buf = newBuf
	p.head = 0
	p.size = newSize
}

// push appends to the ring tail. Caller holds mu and checked capacity.
func (p *Partition[T]) push(v T) {
	p.buf[(p.head+p.count)%p.size] = v
	p.count++
}

// pop removes the ring head. Caller holds mu and checked count.
func (p *Partition[T]) pop() T {
	var zero T
	v := p.buf[p.head]
	p.buf[p.head] = zero
	p.head = (p.head + 1) % p.size
	p.count--
	return v
}

func (p *Partition[T]) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
