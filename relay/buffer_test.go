package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func chunk(i int) []byte {
	return []byte(fmt.Sprintf("chunk-%02d", i))
}

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, policy)

	policy, err = ParsePolicy("Drop-Oldest")
	require.NoError(t, err)
	assert.Equal(t, PolicyDropOldest, policy)

	_, err = ParsePolicy("lifo")
	assert.Error(t, err)
}

func TestBlockPolicyWaitsForSubscriber(t *testing.T) {
	buffer := New(Options{Name: "test-block", Capacity: 8})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, buffer.Push(ctx, chunk(i)))
	}
	assert.Equal(t, 8, buffer.Len())

	pushed := make(chan error, 2)
	go func() {
		for i := 8; i < 10; i++ {
			if err := buffer.Push(ctx, chunk(i)); err != nil {
				pushed <- err
				return
			}
			pushed <- nil
		}
	}()

	select {
	case <-pushed:
		t.Fatal("9th push must block while the buffer is full and nobody reads")
	case <-time.After(100 * time.Millisecond):
	}
	assert.LessOrEqual(t, buffer.Len(), buffer.Cap())

	sub, err := buffer.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		got, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, chunk(i), got, "chunks arrive in push order, nothing lost")
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-pushed:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("blocked pushes did not complete after draining")
		}
	}
}

func TestBlockedPushHonoursContext(t *testing.T) {
	buffer := New(Options{Name: "test-ctx", Capacity: 1})
	require.NoError(t, buffer.Push(context.Background(), chunk(0)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := buffer.Push(ctx, chunk(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, buffer.Len())
}

func TestDropOldestNeverBlocks(t *testing.T) {
	buffer := New(Options{Name: "test-drop", Capacity: 8, Policy: PolicyDropOldest})
	ctx := context.Background()

	sub, err := buffer.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = buffer.Push(ctx, chunk(i))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drop-oldest push blocked")
	}
	assert.Equal(t, 8, buffer.Len())

	first, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunk(2), first, "the two oldest chunks were discarded")
	assert.Equal(t, uint64(2), sub.Skipped())
}

func TestFanOutDeliversEverythingToEveryone(t *testing.T) {
	buffer := New(Options{Name: "test-fanout", Capacity: 4})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const listeners = 3
	const total = 50

	subs := make([]*Subscription, listeners)
	for i := range subs {
		sub, err := buffer.Subscribe()
		require.NoError(t, err)
		subs[i] = sub
	}
	assert.Equal(t, listeners, buffer.Subscribers())

	var wg sync.WaitGroup
	results := make([][]string, listeners)
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			defer sub.Close()
			for {
				data, err := sub.Next(ctx)
				if err != nil {
					return
				}
				results[i] = append(results[i], string(data))
			}
		}(i, sub)
	}

	for i := 0; i < total; i++ {
		require.NoError(t, buffer.Push(ctx, chunk(i)))
	}
	buffer.Close()
	wg.Wait()

	for i := 0; i < listeners; i++ {
		require.Len(t, results[i], total, "listener %d", i)
		assert.Equal(t, string(chunk(0)), results[i][0])
		assert.Equal(t, string(chunk(total-1)), results[i][total-1])
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	buffer := New(Options{Name: "test-evict", Capacity: 2, SlowClientTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	stuck, err := buffer.Subscribe()
	require.NoError(t, err)
	defer stuck.Close()

	fast, err := buffer.Subscribe()
	require.NoError(t, err)
	received := make(chan int, 1)
	go func() {
		defer fast.Close()
		count := 0
		for {
			if _, err := fast.Next(ctx); err != nil {
				received <- count
				return
			}
			count++
		}
	}()

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, buffer.Push(ctx, chunk(i)))
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "the producer waited for the stuck listener first")

	_, err = stuck.Next(ctx)
	assert.ErrorIs(t, err, ErrEvicted)
	assert.Equal(t, 1, buffer.Subscribers())

	buffer.Close()
	assert.Equal(t, 10, <-received, "the healthy listener lost nothing")
}

func TestCloseEndsSubscribersAfterDrain(t *testing.T) {
	buffer := New(Options{Name: "test-close", Capacity: 4})
	ctx := context.Background()

	sub, err := buffer.Subscribe()
	require.NoError(t, err)
	require.NoError(t, buffer.Push(ctx, chunk(0)))
	buffer.Close()

	got, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunk(0), got)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, buffer.Push(ctx, chunk(1)), ErrClosed)
	_, err = buffer.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNextHonoursContext(t *testing.T) {
	buffer := New(Options{Name: "test-next-ctx", Capacity: 4})
	sub, err := buffer.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLateSubscriberStartsAtOldestRetained(t *testing.T) {
	buffer := New(Options{Name: "test-late", Capacity: 4})
	ctx := context.Background()

	early, err := buffer.Subscribe()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, buffer.Push(ctx, chunk(i)))
	}
	_, err = early.Next(ctx)
	require.NoError(t, err)

	late, err := buffer.Subscribe()
	require.NoError(t, err)
	defer late.Close()
	defer early.Close()

	got, err := late.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, chunk(1), got, "chunk 0 was consumed by every listener and trimmed")
}

// Random push/consume sequences never break Len <= Cap.
func TestLenNeverExceedsCap(t *testing.T) {
	for _, policy := range []Policy{PolicyBlock, PolicyDropOldest} {
		t.Run(string(policy), func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			buffer := New(Options{Name: "test-prop-" + string(policy), Capacity: 5, Policy: policy})
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var subs []*Subscription
			for step := 0; step < 2000; step++ {
				switch op := rng.Intn(10); {
				case op < 5:
					pushCtx, pushCancel := context.WithTimeout(ctx, time.Millisecond)
					_ = buffer.Push(pushCtx, chunk(step))
					pushCancel()
				case op < 7 && len(subs) > 0:
					sub := subs[rng.Intn(len(subs))]
					nextCtx, nextCancel := context.WithTimeout(ctx, time.Millisecond)
					_, _ = sub.Next(nextCtx)
					nextCancel()
				case op < 8:
					sub, err := buffer.Subscribe()
					require.NoError(t, err)
					subs = append(subs, sub)
				case op < 9 && len(subs) > 0:
					idx := rng.Intn(len(subs))
					subs[idx].Close()
					subs = append(subs[:idx], subs[idx+1:]...)
				}
				require.LessOrEqual(t, buffer.Len(), buffer.Cap())
			}
			for _, sub := range subs {
				sub.Close()
			}
		})
	}
}
