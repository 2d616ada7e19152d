// Package hflog is the high-frequency logger: a lock-free multi-producer
// ring buffer of pre-encoded messages with a cooperative flusher. Appends
// cost one atomic fetch-and-add plus fixed-size copies and never allocate,
// which makes the logger usable in hot paths where the ambient
// observability logger is too expensive. The logger never returns errors
// and never panics; overrun is observable through the flusher but is not
// fatal.
package hflog

import (
	"sync/atomic"
	"time"
)

// Level is the one-byte severity encoding.
type Level byte

const (
	LevelDebug Level = iota + 1
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

const (
	// SlotCount is the fixed ring capacity. The write index is a monotonic
	// counter; the slot index is counter mod SlotCount.
	SlotCount = 1 << 16
	slotMask  = SlotCount - 1

	// MaxMessageLen bounds the pre-encoded message bytes per entry.
	MaxMessageLen = 215
	// MaxScopeLen bounds the scope bytes per entry.
	MaxScopeLen = 32
)

// slot is one fixed-size ring record. commit is seq+1, stored atomically
// after the payload so the reader observes only complete entries; zero
// means never written.
type slot struct {
	commit   uint32
	_        uint32
	ts       int64
	level    byte
	scopeLen byte
	msgLen   byte
	_        [5]byte
	scope    [MaxScopeLen]byte
	msg      [MaxMessageLen + 1]byte
}

// Ring is the shared buffer. Writers are lock-free via atomic
// fetch-and-add on the write cursor; the flusher trails with its own read
// cursor.
type Ring struct {
	writeCursor uint32
	slots       []slot
}

// NewRing allocates a ring with SlotCount slots.
func NewRing() *Ring {
	return &Ring{slots: make([]slot, SlotCount)}
}

// Append claims the next sequence slot and writes one entry. scope is
// truncated to MaxScopeLen bytes, msg to MaxMessageLen. Safe for any
// number of concurrent writers.
func (r *Ring) Append(level Level, scope []byte, msg []byte) {
	seq := atomic.AddUint32(&r.writeCursor, 1) - 1
	s := &r.slots[seq&slotMask]

	if len(scope) > MaxScopeLen {
		scope = scope[:MaxScopeLen]
	}
	if len(msg) > MaxMessageLen {
		msg = msg[:MaxMessageLen]
	}

	s.ts = time.Now().UnixNano()
	s.level = byte(level)
	s.scopeLen = byte(copy(s.scope[:], scope))
	s.msgLen = byte(copy(s.msg[:], msg))
	atomic.StoreUint32(&s.commit, seq+1)
}

// Written returns the total number of entries ever appended.
func (r *Ring) Written() uint32 {
	return atomic.LoadUint32(&r.writeCursor)
}
