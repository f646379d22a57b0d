package hbk

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so artifact naming and pruning are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator produces run identifiers. They name the run's temporary files
// and, when unique suffixes are enabled, disambiguate artifact names.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs without dashes.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return strings.ReplaceAll(uuid.New().String(), "-", "") }
