package persist

import "fmt"

// WriteKind classifies a failed frame write.
type WriteKind int

const (
	// OpenFailed: the destination could not be created.
	OpenFailed WriteKind = iota
	// ShortWrite: fewer bytes reached storage than the payload holds.
	ShortWrite
	// SyncFailed: fsync or close reported an error; durability is unknown.
	SyncFailed
)

func (k WriteKind) String() string {
	switch k {
	case OpenFailed:
		return "open_failed"
	case ShortWrite:
		return "short_write"
	case SyncFailed:
		return "sync_failed"
	default:
		return "unknown"
	}
}

// WriteError reports a dropped frame. The worker never retries.
type WriteError struct {
	Kind WriteKind
	Seq  uint64
	Name string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("persist: %s: frame %d (%s): %v", e.Kind, e.Seq, e.Name, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
