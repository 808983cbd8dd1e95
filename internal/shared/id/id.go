// Package id provides centralized ID generation for the gateway.
//
// All identifiers are ULIDs with a type-specific prefix (conn_*, sess_*,
// be_*, req_*). ULIDs are lexicographically sortable, which keeps
// time-ordered scans over the registries cheap and makes logs readable.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ConnectionID identifies one physical client link.
type ConnectionID string

// SessionID identifies a logical unit of work.
type SessionID string

// BackendID identifies a pooled executor instance.
type BackendID string

// RequestID identifies a single protocol request.
type RequestID string

const (
	ConnectionPrefix = "conn"
	SessionPrefix    = "sess"
	BackendPrefix    = "be"
	RequestPrefix    = "req"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator with secure entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewConnectionID generates a new connection ID.
func NewConnectionID() ConnectionID {
	return ConnectionID(Default().GenerateWithPrefix(ConnectionPrefix))
}

// NewSessionID generates a new session ID.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewBackendID generates a new backend ID.
func NewBackendID() BackendID {
	return BackendID(Default().GenerateWithPrefix(BackendPrefix))
}

// NewRequestID generates a new request ID.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

func (id ConnectionID) String() string { return string(id) }
func (id SessionID) String() string    { return string(id) }
func (id BackendID) String() string    { return string(id) }
func (id RequestID) String() string    { return string(id) }

// IsValid checks if an ID string is a valid ULID.
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}
