package ir

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Id prefixes for records that are not model objects.
const (
	TransitionPrefix = "tsn"
	TaskPrefix       = "task"
)

// IDGenerator produces prefixed unique ids of the form "<prefix>_<suffix>".
type IDGenerator interface {
	Generate(prefix string) string
}

// UUIDv7Generator generates time-sortable ids.
//
// The suffix is a UUIDv7 rendered as 32 lowercase hex characters. UUIDv7
// embeds a millisecond timestamp in its most significant bits, so ids from
// one generator sort by creation time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new id with the given prefix.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate(prefix string) string {
	u := uuid.Must(uuid.NewV7())
	return prefix + "_" + strings.ReplaceAll(u.String(), "-", "")
}

// SequenceGenerator returns deterministic ids for tests:
// "<prefix>_0001", "<prefix>_0002", ... with one counter per prefix.
//
// Thread-safety: SequenceGenerator is safe for concurrent use.
type SequenceGenerator struct {
	mu    sync.Mutex
	count map[string]int
}

// NewSequenceGenerator creates a generator with all counters at zero.
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{count: make(map[string]int)}
}

// Generate returns the next id for prefix.
func (g *SequenceGenerator) Generate(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.count[prefix]++
	return fmt.Sprintf("%s_%04d", prefix, g.count[prefix])
}

// HasPrefix reports whether id was generated with prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_") && len(id) > len(prefix)+1
}
