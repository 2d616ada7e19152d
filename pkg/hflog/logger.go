package hflog

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const messageCacheSize = 4096

// Scope is a pre-encoded logging scope. Retrieval by key is O(1) after the
// first call; the encoded bytes are written verbatim into each entry.
type Scope struct {
	ring  *Ring
	bytes []byte
}

// Debug appends a pre-encoded message at debug level.
func (s *Scope) Debug(msg []byte) { s.ring.Append(LevelDebug, s.bytes, msg) }

// Info appends a pre-encoded message at info level.
func (s *Scope) Info(msg []byte) { s.ring.Append(LevelInfo, s.bytes, msg) }

// Warn appends a pre-encoded message at warn level.
func (s *Scope) Warn(msg []byte) { s.ring.Append(LevelWarn, s.bytes, msg) }

// Error appends a pre-encoded message at error level.
func (s *Scope) Error(msg []byte) { s.ring.Append(LevelError, s.bytes, msg) }

// Log appends at an explicit level.
func (s *Scope) Log(level Level, msg []byte) { s.ring.Append(level, s.bytes, msg) }

// Logger owns the ring, the scope cache and the message interning cache.
type Logger struct {
	ring *Ring

	mu     sync.RWMutex
	scopes map[string]*Scope

	messages *lru.Cache[string, []byte]
}

// New creates a logger with a fresh ring.
func New() *Logger {
	cache, _ := lru.New[string, []byte](messageCacheSize)
	return &Logger{
		ring:     NewRing(),
		scopes:   make(map[string]*Scope),
		messages: cache,
	}
}

// Ring exposes the underlying buffer for the flusher.
func (l *Logger) Ring() *Ring { return l.ring }

// Scope returns the cached scope instance for key, creating it on first
// use. The scope bytes are the key truncated to MaxScopeLen.
func (l *Logger) Scope(key string) *Scope {
	l.mu.RLock()
	s, ok := l.scopes[key]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.scopes[key]; ok {
		return s
	}
	encoded := []byte(key)
	if len(encoded) > MaxScopeLen {
		encoded = encoded[:MaxScopeLen]
	}
	s = &Scope{ring: l.ring, bytes: encoded}
	l.scopes[key] = s
	return s
}

// EncodeMessage pre-encodes a message. Identical inputs return the same
// underlying byte buffer; callers hold the result and pass it to the scope
// log methods without further allocation.
func (l *Logger) EncodeMessage(text string) []byte {
	if cached, ok := l.messages.Get(text); ok {
		return cached
	}
	encoded := []byte(text)
	if len(encoded) > MaxMessageLen {
		encoded = encoded[:MaxMessageLen]
	}
	l.messages.Add(text, encoded)
	return encoded
}
