package app

import "time"

// Operation tracks the CLI command being run. Its ID tags every log line.
type Operation struct {
	ID        string
	Name      string
	StartedAt time.Time
	Status    string // "success" or "error"
}

// NewOperation creates an operation that started at now.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		ID:        now.UTC().Format("20060102T150405Z"),
		Name:      name,
		StartedAt: now,
		Status:    "success",
	}
}

// Fail marks the operation as failed if err is non-nil and returns err.
func (op *Operation) Fail(err error) error {
	if err != nil {
		op.Status = "error"
	}
	return err
}

// Mutating reports whether the operation changes the repository or catalog.
// Only mutating operations refresh the catalog snapshot on Close.
func (op *Operation) Mutating() bool {
	switch op.Name {
	case "backup", "prune":
		return true
	default:
		return false
	}
}
