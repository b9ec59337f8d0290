package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPartitionFIFO(t *testing.T) {
	p := NewPartition[int](DefaultPartitionConfig())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Enqueue(ctx, i))
	}
	assert.Equal(t, 10, p.Len())

	for i := 0; i < 10; i++ {
		v, err := p.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, p.Len())
}

func TestPartitionTryOps(t *testing.T) {
	p := NewPartition[string](PartitionConfig{
		InitialSize: 2, MinSize: 2, MaxSize: 4,
		GrowFactor: 2, ShrinkFactor: 0.5, SampleWindow: time.Hour,
	})

	assert.True(t, p.TryEnqueue("a"))
	assert.True(t, p.TryEnqueue("b"))
	assert.False(t, p.TryEnqueue("c"), "buffer full")

	v, ok := p.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	p.TryDequeue()
	_, ok = p.TryDequeue()
	assert.False(t, ok, "buffer empty")
}

func TestPartitionEnqueueBlocksUntilContextDone(t *testing.T) {
	p := NewPartition[int](PartitionConfig{
		InitialSize: 1, MinSize: 1, MaxSize: 1,
		GrowFactor: 2, ShrinkFactor: 0.5, SampleWindow: time.Hour,
	})
	require.NoError(t, p.Enqueue(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Enqueue(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPartitionDequeueBlocksUntilContextDone(t *testing.T) {
	p := NewPartition[int](DefaultPartitionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPartitionGrowsUnderBackpressure(t *testing.T) {
	p := NewPartition[int](PartitionConfig{
		InitialSize: 2, MinSize: 2, MaxSize: 16,
		GrowFactor: 2, ShrinkFactor: 0.5, SampleWindow: time.Millisecond,
	})

	// 制造高阻塞率
	p.TryEnqueue(1)
	p.TryEnqueue(2)
	for i := 0; i < 10; i++ {
		p.TryEnqueue(3)
	}

	time.Sleep(5 * time.Millisecond)
	p.Tune()
	assert.Equal(t, 4, p.size)

	// 已有数据保留
	v, ok := p.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestPartitionShrinksWhenIdle(t *testing.T) {
	p := NewPartition[int](PartitionConfig{
		InitialSize: 64, MinSize: 16, MaxSize: 128,
		GrowFactor: 2, ShrinkFactor: 0.5, SampleWindow: time.Millisecond,
	})

	// 低利用率、零阻塞
	p.TryEnqueue(1)
	time.Sleep(5 * time.Millisecond)
	p.Tune()
	assert.Equal(t, 32, p.size)
}

func TestPartitionTuneRespectsSampleWindow(t *testing.T) {
	p := NewPartition[int](PartitionConfig{
		InitialSize: 2, MinSize: 2, MaxSize: 16,
		GrowFactor: 2, ShrinkFactor: 0.5, SampleWindow: time.Hour,
	})
	for i := 0; i < 10; i++ {
		p.TryEnqueue(i)
	}
	p.Tune()
	assert.Equal(t, 2, p.size, "no resize inside the sample window")
}

// 缩容目标小于在队条数时,以条数为下限,绝不丢弃已缓冲的消息
func TestPartitionShrinkNeverDropsBufferedEntries(t *testing.T) {
	p := NewPartition[int](PartitionConfig{
		InitialSize: 64, MinSize: 2, MaxSize: 128,
		GrowFactor: 2, ShrinkFactor: 0.015, SampleWindow: time.Millisecond,
	})

	for i := 0; i < 10; i++ {
		require.True(t, p.TryEnqueue(i))
	}

	time.Sleep(5 * time.Millisecond)
	p.Tune()
	assert.Equal(t, 10, p.size, "shrink clamps to buffered count")
	assert.Equal(t, 10, p.Len())

	for i := 0; i < 10; i++ {
		v, ok := p.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

// 生产者入队与 Tune 缩扩容并发执行,消息既不丢失也不乱序
func TestPartitionTuneDuringEnqueueLosesNothing(t *testing.T) {
	p := NewPartition[int](PartitionConfig{
		InitialSize: 4, MinSize: 2, MaxSize: 8,
		GrowFactor: 2, ShrinkFactor: 0.5, SampleWindow: time.Microsecond,
	})
	ctx := context.Background()

	const total = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if err := p.Enqueue(ctx, i); err != nil {
				t.Errorf("enqueue %d: %v", i, err)
				return
			}
		}
	}()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				p.Tune()
			}
		}
	}()

	for i := 0; i < total; i++ {
		v, err := p.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v, "message lost or reordered across resize")
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, 0, p.Len())
}

// 任意入队序列出队后保持顺序
func TestPartitionOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := NewPartition[int](DefaultPartitionConfig())
		ctx := context.Background()

		n := rapid.IntRange(0, 60).Draw(t, "n")
		for i := 0; i < n; i++ {
			if err := p.Enqueue(ctx, i); err != nil {
				t.Fatalf("enqueue %d: %v", i, err)
			}
		}
		for i := 0; i < n; i++ {
			v, err := p.Dequeue(ctx)
			if err != nil {
				t.Fatalf("dequeue %d: %v", i, err)
			}
			if v != i {
				t.Fatalf("order broken: got %d want %d", v, i)
			}
		}
	})
}
