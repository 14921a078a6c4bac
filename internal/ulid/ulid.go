// Package ulid generates monotonically-ordered, lowercase ULIDs, used as
// the per-run job_id recorded in eventizer progress checkpoints.
package ulid

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Service produces ULIDs with monotonic ordering, safe for concurrent use.
type Service struct {
	entropy *ulid.MonotonicEntropy
	mu      sync.Mutex
}

// New creates a Service seeded from the current time.
func New() *Service {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return &Service{entropy: entropy}
}

// Generate returns a new lowercase ULID string.
func (s *Service) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
	return strings.ToLower(id.String())
}

var defaultService = New()

// NewULID generates a ULID using the package-level default Service.
func NewULID() string {
	return defaultService.Generate()
}
