package journal

import (
	"errors"
	"fmt"
)

var (
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	ErrCorrupted        = errors.New("journal: file is corrupted")
	ErrClosed           = errors.New("journal: already closed")
)

// ChecksumError is returned by Replay when a record fails verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq %d: expected %08x, got %08x", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError is returned when a line cannot be decoded.
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupted }
func (e *CorruptionError) Unwrap() error        { return e.Cause }
