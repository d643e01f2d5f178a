// Package clock divides wall-clock time into fixed, aligned windows. Window
// n covers [n*length, (n+1)*length) since the Unix epoch, so every process
// sharing a window length agrees on window boundaries.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/ethwallclock"
	"github.com/sirupsen/logrus"
)

// WindowChangedFunc is called when the wall clock enters a new window.
type WindowChangedFunc func(window uint64)

// Window is one fixed interval of wall-clock time.
type Window struct {
	Number uint64
	Start  time.Time
	End    time.Time
}

// Clock reports the current window.
type Clock interface {
	// Start begins emitting window change callbacks.
	Start(ctx context.Context) error
	// Stop terminates the clock.
	Stop() error
	// Now returns the current wall-clock time.
	Now() time.Time
	// Current returns the window containing Now.
	Current() Window
	// Length returns the window length.
	Length() time.Duration
	// OnWindowChanged registers a callback for window transitions.
	OnWindowChanged(fn WindowChangedFunc)
}

type clock struct {
	log       logrus.FieldLogger
	length    time.Duration
	wallclock *ethwallclock.EthereumBeaconChain

	mu        sync.Mutex
	callbacks []WindowChangedFunc
	stopped   bool
}

// New creates a window clock with the given window length.
func New(log logrus.FieldLogger, length time.Duration) (Clock, error) {
	if length <= 0 {
		return nil, fmt.Errorf("window length must be > 0")
	}

	// Each window maps to one slot of a chain whose genesis is the Unix epoch.
	wc := ethwallclock.NewEthereumBeaconChain(time.Unix(0, 0), length, 1)

	return &clock{
		log:       log.WithField("component", "clock"),
		length:    length,
		wallclock: wc,
		callbacks: make([]WindowChangedFunc, 0, 2),
	}, nil
}

func (c *clock) Start(_ context.Context) error {
	// ethwallclock calls this in a new goroutine on each slot change.
	c.wallclock.OnSlotChanged(func(slot ethwallclock.Slot) {
		number := slot.Number()

		c.log.WithField("window", number).Trace("Window changed")

		c.mu.Lock()
		callbacks := append([]WindowChangedFunc(nil), c.callbacks...)
		c.mu.Unlock()

		for _, fn := range callbacks {
			fn(number)
		}
	})

	c.log.WithField("length", c.length).Info("Window clock started")

	return nil
}

func (c *clock) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}

	c.stopped = true
	c.wallclock.Stop()

	return nil
}

func (c *clock) Now() time.Time {
	return time.Now()
}

func (c *clock) Current() Window {
	slot := c.wallclock.Slots().Current()
	start := slot.TimeWindow().Start()

	return Window{
		Number: slot.Number(),
		Start:  start,
		End:    start.Add(c.length),
	}
}

func (c *clock) Length() time.Duration {
	return c.length
}

func (c *clock) OnWindowChanged(fn WindowChangedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.callbacks = append(c.callbacks, fn)
}
