package partition

import "fmt"

// PartitionNotFoundError is thrown when a partition directory holds no
// segments to load.
type PartitionNotFoundError string

func (msg PartitionNotFoundError) Error() string {
	return fmt.Sprintf("partition not found: %s", string(msg))
}

// InvalidPollStrategyError is thrown for an unrecognized poll strategy kind.
type InvalidPollStrategyError string

func (msg InvalidPollStrategyError) Error() string {
	return fmt.Sprintf("invalid poll strategy: %s", string(msg))
}
