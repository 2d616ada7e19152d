package hflog

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFlushInterval is the periodic drain tick.
const DefaultFlushInterval = 100 * time.Millisecond

// Flusher drains ring entries to a text sink in sequence order. It is
// cooperative: it runs on its own tick (or explicit Flush calls) and falls
// behind gracefully when the sink is slow, bounded by the ring size. When
// writers advance a full ring past the read cursor the flusher skips ahead
// and emits an overflow marker; entries are otherwise emitted in strictly
// increasing sequence order.
type Flusher struct {
	ring *Ring
	sink io.Writer

	readCursor uint32
	overflows  uint64

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
}

// NewFlusher creates a flusher draining the ring to sink.
func NewFlusher(ring *Ring, sink io.Writer) *Flusher {
	return &Flusher{ring: ring, sink: sink}
}

// Start arms the periodic drain. A non-positive interval uses the default.
func (f *Flusher) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ticker != nil {
		return
	}
	f.ticker = time.NewTicker(interval)
	f.done = make(chan struct{})
	go f.run(f.ticker, f.done)
}

func (f *Flusher) run(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			f.Flush()
		case <-done:
			f.Flush()
			return
		}
	}
}

// Stop disarms the periodic drain after a final flush.
func (f *Flusher) Stop() {
	f.mu.Lock()
	ticker, done := f.ticker, f.done
	f.ticker, f.done = nil, nil
	f.mu.Unlock()
	if ticker == nil {
		return
	}
	ticker.Stop()
	close(done)
}

// Overflows returns the number of times the flusher detected overrun.
func (f *Flusher) Overflows() uint64 {
	return atomic.LoadUint64(&f.overflows)
}

// Flush drains all committed entries and returns how many were emitted.
// Safe to call concurrently with writers; only one Flush runs at a time.
func (f *Flusher) Flush() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	emitted := 0
	r := f.readCursor
	w := atomic.LoadUint32(&f.ring.writeCursor)

	for r != w {
		if w-r > SlotCount {
			// Writers lapped the reader. Skip to the oldest intact entry.
			skipped := (w - r) - SlotCount
			atomic.AddUint64(&f.overflows, 1)
			fmt.Fprintf(f.sink, "!!! overflow: skipped %d entries\n", skipped)
			r = w - SlotCount
		}

		s := &f.ring.slots[r&slotMask]
		if atomic.LoadUint32(&s.commit) != r+1 {
			// Either the slot is mid-write or a writer claimed it for a
			// later lap; stop here and retry on the next tick.
			break
		}

		ts := s.ts
		level := Level(s.level)
		var scope [MaxScopeLen]byte
		var msg [MaxMessageLen + 1]byte
		scopeLen := copy(scope[:], s.scope[:s.scopeLen])
		msgLen := copy(msg[:], s.msg[:s.msgLen])

		// The payload copy races a writer only if the slot was reclaimed
		// while we read it; the commit re-check discards a torn entry.
		if atomic.LoadUint32(&s.commit) != r+1 {
			atomic.AddUint64(&f.overflows, 1)
			fmt.Fprintf(f.sink, "!!! overflow: entry %d lost to writer\n", r)
			r++
			continue
		}

		fmt.Fprintf(f.sink, "%d %s [%s] %s\n",
			ts, level, scope[:scopeLen], msg[:msgLen])
		emitted++
		r++

		// Pick up entries appended while draining.
		if r == w {
			w = atomic.LoadUint32(&f.ring.writeCursor)
		}
	}

	f.readCursor = r
	return emitted
}
