package pipeline

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"tradegate/internal/model"
)

func quoteFrame(i int) Frame {
	return Frame{Kind: KindQuote, Key: "ES 09-25", Origin: time.Now(), Quote: model.Quote{Symbol: "ES 09-25", Volume: int64(i)}}
}

func TestRingFIFOAndFull(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 4; i++ {
		f := quoteFrame(i)
		require.True(t, r.TryWrite(&f))
	}
	extra := quoteFrame(99)
	assert.False(t, r.TryWrite(&extra), "write into a full ring must fail")
	assert.Equal(t, 4, r.Len())

	var got Frame
	for i := 0; i < 4; i++ {
		require.True(t, r.TryRead(&got))
		assert.Equal(t, int64(i), got.Quote.Volume)
	}
	assert.False(t, r.TryRead(&got))
	assert.Equal(t, 0, r.Len())
}

func TestRingWrapsAround(t *testing.T) {
	r := NewRing(3)
	var got Frame
	for i := 0; i < 10; i++ {
		f := quoteFrame(i)
		require.True(t, r.TryWrite(&f))
		require.True(t, r.TryRead(&got))
		assert.Equal(t, int64(i), got.Quote.Volume)
	}
}

func TestPublishAbandonsAfterWaitBudget(t *testing.T) {
	p := New(Config{Capacity: 2, ProducerMaxWait: 5 * time.Millisecond}, zaptest.NewLogger(t))
	require.True(t, p.Publish(quoteFrame(0)))
	require.True(t, p.Publish(quoteFrame(1)))

	start := time.Now()
	assert.False(t, p.Publish(quoteFrame(2)))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.NotZero(t, st.Backoffs)
	assert.Equal(t, 2, st.Buffered)

	// Buffered frames are untouched by the failed write.
	var f Frame
	require.True(t, p.ring.TryRead(&f))
	assert.Equal(t, int64(0), f.Quote.Volume)
	require.True(t, p.ring.TryRead(&f))
	assert.Equal(t, int64(1), f.Quote.Volume)
}

func TestPublishOrderFrameOutwaitsBudget(t *testing.T) {
	p := New(Config{Capacity: 1, ProducerMaxWait: 5 * time.Millisecond, IdleSleep: 100 * time.Microsecond}, zaptest.NewLogger(t))
	require.True(t, p.Publish(quoteFrame(0)))

	fill := Frame{Kind: KindOrder, Key: "ord-1", Order: model.OrderUpdate{OrderID: "ord-1", State: model.OrderFilled, FilledQuantity: 1}}
	result := make(chan bool, 1)
	go func() { result <- p.Publish(fill) }()

	select {
	case ok := <-result:
		t.Fatalf("order publish returned %v before the consumer drained", ok)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, p.Stats().Dropped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Frame, 2)
	go func() {
		_ = p.Run(ctx, func(f *Frame) { got <- *f })
	}()

	require.True(t, <-result)
	assert.Equal(t, KindQuote, (<-got).Kind)
	f := <-got
	assert.Equal(t, KindOrder, f.Kind)
	assert.Equal(t, model.OrderFilled, f.Order.State)
	assert.Zero(t, p.Stats().Dropped)
}

func TestPublishOrderFrameDroppedAfterConsumerStops(t *testing.T) {
	p := New(Config{Capacity: 1, ProducerMaxWait: 5 * time.Millisecond, IdleSleep: 100 * time.Microsecond}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Run(ctx, func(*Frame) {}), context.Canceled)

	require.True(t, p.Publish(quoteFrame(0)))
	assert.False(t, p.Publish(Frame{Kind: KindAccount, Key: "Sim101"}))
	assert.Equal(t, uint64(1), p.Stats().Dropped)
}

func TestBurstBeyondCapacityIsDeliveredInOrder(t *testing.T) {
	const total = 500
	p := New(Config{Capacity: 16, ProducerMaxWait: 5 * time.Second, IdleSleep: 100 * time.Microsecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []int64
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx, func(f *Frame) {
			mu.Lock()
			seen = append(seen, f.Quote.Volume)
			n := len(seen)
			mu.Unlock()
			if n == total {
				close(done)
			}
		})
	}()

	for i := 0; i < total; i++ {
		require.True(t, p.Publish(quoteFrame(i)))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the burst")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		require.Equal(t, int64(i), v)
	}
	assert.Equal(t, uint64(0), p.Stats().Dropped)
}

func TestConcurrentProducersLoseNothing(t *testing.T) {
	const producers, perProducer = 8, 200
	p := New(Config{Capacity: 64, ProducerMaxWait: 5 * time.Second, IdleSleep: 100 * time.Microsecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counts := make(map[string]int)
	lastSeq := make(map[string]int64)
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		total := 0
		_ = p.Run(ctx, func(f *Frame) {
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := lastSeq[f.Key]; ok {
				assert.Greater(t, f.Quote.Volume, prev, "per-producer order must hold")
			}
			lastSeq[f.Key] = f.Quote.Volume
			counts[f.Key]++
			total++
			if total == producers*perProducer {
				close(done)
			}
		})
	}()

	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := strconv.Itoa(w)
			for i := 0; i < perProducer; i++ {
				p.Publish(Frame{Kind: KindDepth, Key: key, Quote: model.Quote{Volume: int64(i)}})
			}
		}(w)
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not receive every frame")
	}
	mu.Lock()
	defer mu.Unlock()
	for w := 0; w < producers; w++ {
		assert.Equal(t, perProducer, counts[strconv.Itoa(w)])
	}
}

func TestStaleFramesAreDeliveredAndCounted(t *testing.T) {
	p := New(Config{Capacity: 8, StaleThreshold: 10 * time.Millisecond}, zaptest.NewLogger(t))
	old := quoteFrame(1)
	old.Origin = time.Now().Add(-time.Second)
	require.True(t, p.Publish(old))
	require.True(t, p.Publish(quoteFrame(2)))

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan int64, 2)
	go func() {
		_ = p.Run(ctx, func(f *Frame) { got <- f.Quote.Volume })
	}()
	assert.Equal(t, int64(1), <-got)
	assert.Equal(t, int64(2), <-got)
	cancel()

	assert.Equal(t, uint64(1), p.Stats().Stale)
}

func TestSecondConsumerRejected(t *testing.T) {
	p := New(Config{Capacity: 2}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		_ = p.Run(ctx, func(*Frame) {})
	}()
	go func() {
		for !p.running.Load() {
			time.Sleep(time.Millisecond)
		}
		close(started)
	}()
	<-started
	assert.ErrorIs(t, p.Run(ctx, func(*Frame) {}), ErrConsumerRunning)
}
