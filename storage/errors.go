package storage

import (
	"fmt"
)

// Error values follow the string-typed convention used across the codebase:
// each error is its own type so callers can match with errors.As without
// string comparisons.

type SegmentFullError string

func (msg SegmentFullError) Error() string {
	return fmt.Sprintf("%s: segment is full, the partition must roll over", string(msg))
}

type SegmentSealedError string

func (msg SegmentSealedError) Error() string {
	return fmt.Sprintf("%s: segment is sealed and read-only", string(msg))
}

type OffsetNotFoundError string

func (msg OffsetNotFoundError) Error() string {
	return fmt.Sprintf("%s: offset not found in segment", string(msg))
}

type InvalidOffsetError string

func (msg InvalidOffsetError) Error() string {
	return fmt.Sprintf("%s: invalid offset", string(msg))
}

type TimestampNotFoundError string

func (msg TimestampNotFoundError) Error() string {
	return fmt.Sprintf("%s: no message at or after timestamp", string(msg))
}

type ChecksumMismatchError string

func (msg ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s: message payload checksum mismatch", string(msg))
}

type DiskWriteError string

func (msg DiskWriteError) Error() string {
	return fmt.Sprintf("%s: disk write failed", string(msg))
}
