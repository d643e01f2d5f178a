package ratelimit

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/supplyoor/internal/clock"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	return log
}

func newBudget(t *testing.T, cfg Config) (*Budget, clock.Clock) {
	t.Helper()

	cfg.ApplyDefaults()

	clk, err := clock.New(testLog(), cfg.Window)
	require.NoError(t, err)
	t.Cleanup(func() { clk.Stop() })

	return New(testLog(), "explorer", cfg, clk, nil), clk
}

// maxInAnyInterval returns the most grants that fall inside one half-open
// interval of the given length.
func maxInAnyInterval(grants []time.Time, length time.Duration) int {
	sorted := slices.Clone(grants)
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })

	most := 0

	for i, from := range sorted {
		n := 0

		for _, at := range sorted[i:] {
			if at.Sub(from) >= length {
				break
			}

			n++
		}

		most = max(most, n)
	}

	return most
}

func acquireConcurrently(t *testing.T, budget *Budget, tasks int) []time.Time {
	t.Helper()

	var (
		mu     sync.Mutex
		grants = make([]time.Time, 0, tasks)
		wg     sync.WaitGroup
	)

	for range tasks {
		wg.Add(1)

		go func() {
			defer wg.Done()

			at, err := budget.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			grants = append(grants, at)
			mu.Unlock()
		}()
	}

	wg.Wait()

	return grants
}

func TestAcquire_NeverExceedsBudgetInAnyInterval(t *testing.T) {
	const window = 200 * time.Millisecond

	budget, _ := newBudget(t, Config{
		Requests: 3,
		Window:   window,
		MaxWait:  5 * time.Second,
	})

	grants := acquireConcurrently(t, budget, 7)

	require.Len(t, grants, 7)
	assert.LessOrEqual(t, maxInAnyInterval(grants, window), 3)
}

func TestAcquire_BurstAcrossWindowBoundary(t *testing.T) {
	const window = 200 * time.Millisecond

	budget, clk := newBudget(t, Config{
		Requests: 3,
		Window:   window,
		MaxWait:  5 * time.Second,
	})

	// Start 20ms before an aligned window boundary.
	time.Sleep(time.Until(clk.Current().End.Add(-20 * time.Millisecond)))

	grants := acquireConcurrently(t, budget, 9)

	require.Len(t, grants, 9)
	assert.LessOrEqual(t, maxInAnyInterval(grants, window), 3)

	slices.SortFunc(grants, func(a, b time.Time) int { return a.Compare(b) })
	assert.GreaterOrEqual(t, grants[8].Sub(grants[0]), 2*window)
}

func TestAcquire_TimeoutWhenWaitExceedsMaxWait(t *testing.T) {
	budget, _ := newBudget(t, Config{
		Requests: 1,
		Window:   time.Hour,
		MaxWait:  10 * time.Millisecond,
	})

	_, err := budget.Acquire(context.Background())
	require.NoError(t, err)

	_, err = budget.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAcquire_ContextCanceledWhileWaiting(t *testing.T) {
	budget, _ := newBudget(t, Config{
		Requests: 1,
		Window:   time.Hour,
		MaxWait:  2 * time.Hour,
	})

	_, err := budget.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = budget.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_ReturnsGrantTime(t *testing.T) {
	budget, _ := newBudget(t, Config{
		Requests: 5,
		Window:   time.Hour,
	})

	before := time.Now()

	at, err := budget.Acquire(context.Background())
	require.NoError(t, err)

	assert.False(t, at.Before(before))
	assert.False(t, at.After(time.Now()))
	assert.Equal(t, "explorer", budget.Name())
}

func TestConfig_ApplyDefaultsAndValidate(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, 5, cfg.Requests)
	assert.Equal(t, time.Second, cfg.Window)
	assert.Equal(t, 30*time.Second, cfg.MaxWait)
	require.NoError(t, cfg.Validate())

	cfg.Requests = -1
	assert.Error(t, cfg.Validate())
}
