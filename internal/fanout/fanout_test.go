package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/reservoir/internal/config"
	"github.com/sawpanic/reservoir/internal/models"
)

func fanoutConfig(capacity, timeoutMS int) config.FanoutConfig {
	return config.FanoutConfig{
		SubscriberQueueCapacity: capacity,
		SlowConsumerTimeoutMS:   timeoutMS,
	}
}

func update(ric string, bid float64) models.PriceUpdate {
	return models.PriceUpdate{
		RIC: ric,
		Quote: models.Quote{
			RIC:       ric,
			Bid:       models.Float64(bid),
			Ask:       models.Float64(bid + 0.05),
			Timestamp: time.Now(),
		},
	}
}

func drain(ch <-chan models.PriceUpdate) []models.PriceUpdate {
	var out []models.PriceUpdate
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestFanoutRoutesByRequestedRIC(t *testing.T) {
	f := New(fanoutConfig(16, 5000))
	id, ch := f.Open([]string{"A", "B"})

	f.Publish(update("A", 1))
	f.Publish(update("B", 2))
	f.Publish(update("C", 3))
	f.Publish(update("A", 4))
	f.Publish(update("A", 5))

	got := drain(ch)
	require.Len(t, got, 4)
	assert.Equal(t, "A", got[0].RIC)
	assert.Equal(t, 1.0, *got[0].Quote.Bid)
	assert.Equal(t, "B", got[1].RIC)
	assert.Equal(t, "A", got[2].RIC)
	assert.Equal(t, 4.0, *got[2].Quote.Bid)
	assert.Equal(t, 5.0, *got[3].Quote.Bid)

	f.Close(id)
	f.Publish(update("A", 6))
	_, open := <-ch
	assert.False(t, open)
}

func TestFanoutMultipleSubscribersIsolated(t *testing.T) {
	f := New(fanoutConfig(16, 5000))
	_, chA := f.Open([]string{"A"})
	_, chB := f.Open([]string{"B"})

	f.Publish(update("A", 1))
	f.Publish(update("A", 2))
	f.Publish(update("B", 3))

	assert.Len(t, drain(chA), 2)
	assert.Len(t, drain(chB), 1)
	assert.Equal(t, 2, f.Stats().Subscribers)
}

func TestFanoutDropsOldestWhenFull(t *testing.T) {
	f := New(fanoutConfig(4, 60000))
	id, ch := f.Open([]string{"A"})

	for i := 1; i <= 10; i++ {
		f.Publish(update("A", float64(i)))
	}

	stats, ok := f.SubscriberStats(id)
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", stats.State)
	assert.Equal(t, uint64(6), stats.Dropped)
	assert.Equal(t, 4, stats.QueueLen)

	// the newest four updates survive
	got := drain(ch)
	require.Len(t, got, 4)
	for i, u := range got {
		assert.Equal(t, float64(7+i), *u.Quote.Bid)
	}
}

func TestFanoutEvictsSlowConsumer(t *testing.T) {
	f := New(fanoutConfig(4, 50))
	id, ch := f.Open([]string{"A"})

	// saturate the queue; the fifth publish starts the slow-consumer clock
	for i := 1; i <= 5; i++ {
		f.Publish(update("A", float64(i)))
	}
	stats, ok := f.SubscriberStats(id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.Dropped)

	time.Sleep(80 * time.Millisecond)
	f.Publish(update("A", 6))

	_, ok = f.SubscriberStats(id)
	assert.False(t, ok, "evicted subscriber should leave the table")
	assert.Equal(t, uint64(1), f.Stats().Evicted)

	// queued updates stay readable, then the channel reports end of stream
	got := drain(ch)
	assert.Len(t, got, 4)
	_, open := <-ch
	assert.False(t, open)
}

func TestFanoutReaderResetsSaturation(t *testing.T) {
	f := New(fanoutConfig(2, 50))
	id, ch := f.Open([]string{"A"})

	f.Publish(update("A", 1))
	f.Publish(update("A", 2))
	f.Publish(update("A", 3)) // overflow, clock starts

	<-ch
	<-ch
	time.Sleep(80 * time.Millisecond)

	// room again, so this delivery clears the clock instead of evicting
	f.Publish(update("A", 4))
	stats, ok := f.SubscriberStats(id)
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", stats.State)
}

func TestFanoutCloseIsIdempotent(t *testing.T) {
	f := New(fanoutConfig(4, 5000))
	id, _ := f.Open([]string{"A"})

	f.Close(id)
	f.Close(id)
	f.Close(uuid.New())
	f.Publish(update("A", 1))

	assert.Equal(t, 0, f.Stats().Subscribers)
}

func TestFanoutShutdown(t *testing.T) {
	f := New(fanoutConfig(4, 5000))
	_, ch1 := f.Open([]string{"A"})
	_, ch2 := f.Open([]string{"B"})

	f.Shutdown()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)

	// later opens get an immediate end of stream
	_, ch3 := f.Open([]string{"A"})
	_, open = <-ch3
	assert.False(t, open)
	assert.Equal(t, 0, f.Stats().Subscribers)
}

func TestFanoutConcurrentPublishAndClose(t *testing.T) {
	f := New(fanoutConfig(8, 5000))
	id, ch := f.Open([]string{"A"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				f.Publish(update("A", float64(i)))
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	f.Close(id)
	wg.Wait()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader did not observe end of stream")
	}
	assert.Equal(t, uint64(400), f.Stats().Published)
}
