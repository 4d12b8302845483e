// Package policy decides how many rows to request from the server.
//
// A BatchPolicy lives on the client and is cloned for every cursor. It never
// performs I/O and never sees row contents; it only turns the connection
// settings and the shape of the read calls into batch sizes.
package policy

import "fmt"

const (
	// DefaultReplySize is the number of rows returned with a query result.
	DefaultReplySize = 100

	// DefaultMaxPrefetch bounds speculative rows held beyond the current read.
	DefaultMaxPrefetch = 2500

	// DefaultArraySize is the page size reported when ReplySize is unlimited.
	DefaultArraySize = 100

	// binaryInitialReplySize keeps the textual first response small when the
	// remainder can be fetched in binary.
	binaryInitialReplySize = 10

	// Unlimited is the ReplySize / MaxPrefetch value meaning "no limit".
	Unlimited = -1
)

// BatchPolicy holds the settings that drive row fetching.
type BatchPolicy struct {
	// BinaryEnabled is the client-side opt-in to binary result sets.
	BinaryEnabled bool

	// ServerSupportsBinary is learned from the server during login.
	ServerSupportsBinary bool

	// ServerBinaryExportLevel is the raw capability marker announced by the server.
	ServerBinaryExportLevel int

	// ReplySize is the number of rows requested per round trip, or Unlimited.
	ReplySize int

	// MaxPrefetch is the number of rows that may be fetched beyond the
	// current read. Unlimited disables the bound, 0 disables prefetching.
	MaxPrefetch int

	arraySize int
	lastBatch int
}

// New returns a policy with the default settings.
func New() *BatchPolicy {
	return &BatchPolicy{
		BinaryEnabled: true,
		ReplySize:     DefaultReplySize,
		MaxPrefetch:   DefaultMaxPrefetch,
	}
}

// SetServerBinaryExportLevel records the capability level announced by the server.
func (p *BatchPolicy) SetServerBinaryExportLevel(level int) {
	p.ServerBinaryExportLevel = level
	p.ServerSupportsBinary = level > 0
}

// UseBinary reports whether both sides can use binary result sets.
func (p *BatchPolicy) UseBinary() bool {
	return p.BinaryEnabled && p.ServerSupportsBinary
}

// HandshakeReplySize is the reply size advertised to the server at login.
func (p *BatchPolicy) HandshakeReplySize() int {
	return p.initialReplySize()
}

// NewQuery returns the reply size to use for a new query and resets the
// growth state of the batch computation.
func (p *BatchPolicy) NewQuery() int {
	size := p.initialReplySize()
	p.lastBatch = size
	if size < 0 {
		p.lastBatch = 0
	}
	return size
}

func (p *BatchPolicy) initialReplySize() int {
	if p.ReplySize < 0 && p.UseBinary() {
		return binaryInitialReplySize
	}
	return p.ReplySize
}

// Clone returns an independent copy with the array size frozen.
func (p *BatchPolicy) Clone() *BatchPolicy {
	c := *p
	c.arraySize = p.ArraySize()
	return &c
}

// ArraySize is the page size reported to bulk readers. It never returns a
// negative value.
func (p *BatchPolicy) ArraySize() int {
	if p.arraySize > 0 {
		return p.arraySize
	}
	if p.ReplySize > 0 {
		return p.ReplySize
	}
	return DefaultArraySize
}

// SetArraySize overrides the frozen array size.
func (p *BatchPolicy) SetArraySize(n int) error {
	if n <= 0 {
		return fmt.Errorf("array size must be positive, got %d", n)
	}
	p.arraySize = n
	return nil
}

// BatchSize returns how many rows to fetch starting at position when a read
// for rows [position-existing, requestedEnd) could not be satisfied from the
// cache. existing is the number of rows of that read already taken from the
// cache.
//
// The result always reaches requestedEnd and never goes past rowCount.
func (p *BatchPolicy) BatchSize(existing, position, requestedEnd, rowCount int) int {
	remaining := rowCount - position
	needed := requestedEnd - position

	if p.ReplySize < 0 {
		p.lastBatch = remaining
		return remaining
	}

	stride := existing + needed
	n := roundUp(existing+2*p.lastBatch, stride)
	if p.MaxPrefetch >= 0 && n > stride+p.MaxPrefetch {
		n = stride + p.MaxPrefetch
	}

	size := n - existing
	if size < needed {
		size = needed
	}
	if size > remaining {
		size = remaining
	}

	p.lastBatch = size
	return size
}

func roundUp(n, multiple int) int {
	if multiple <= 0 {
		return n
	}
	return (n + multiple - 1) / multiple * multiple
}

// ValidateReplySize checks a reply size setting.
func ValidateReplySize(n int) error {
	if n == Unlimited || n > 0 {
		return nil
	}
	return fmt.Errorf("reply size must be -1 or positive, got %d", n)
}

// ValidateMaxPrefetch checks a prefetch budget setting.
func ValidateMaxPrefetch(n int) error {
	if n >= Unlimited {
		return nil
	}
	return fmt.Errorf("max prefetch must be -1 or non-negative, got %d", n)
}
