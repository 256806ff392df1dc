package catalog

import "fmt"

// StreamNotFoundError is thrown when a stream ID or name resolves to nothing.
type StreamNotFoundError string

func (msg StreamNotFoundError) Error() string {
	return fmt.Sprintf("stream not found: %s", string(msg))
}

// StreamAlreadyExistsError is thrown when creating a stream whose ID or name
// is taken.
type StreamAlreadyExistsError string

func (msg StreamAlreadyExistsError) Error() string {
	return fmt.Sprintf("stream already exists: %s", string(msg))
}

// TopicNotFoundError is thrown when a topic ID or name resolves to nothing
// within a stream.
type TopicNotFoundError string

func (msg TopicNotFoundError) Error() string {
	return fmt.Sprintf("topic not found: %s", string(msg))
}

// TopicAlreadyExistsError is thrown when creating a topic whose ID or name is
// taken within a stream.
type TopicAlreadyExistsError string

func (msg TopicAlreadyExistsError) Error() string {
	return fmt.Sprintf("topic already exists: %s", string(msg))
}

// PartitionNotFoundError is thrown when a topic has no partition with the
// requested ID.
type PartitionNotFoundError string

func (msg PartitionNotFoundError) Error() string {
	return fmt.Sprintf("partition not found: %s", string(msg))
}

// InvalidPartitionCountError is thrown when a topic is created with zero
// partitions.
type InvalidPartitionCountError string

func (msg InvalidPartitionCountError) Error() string {
	return fmt.Sprintf("invalid partition count: %s", string(msg))
}

// InvalidPartitioningError is thrown for an unrecognized partitioning kind.
type InvalidPartitioningError string

func (msg InvalidPartitioningError) Error() string {
	return fmt.Sprintf("invalid partitioning: %s", string(msg))
}

// ConsumerGroupNotFoundError is thrown when a consumer group ID resolves to
// nothing within a topic.
type ConsumerGroupNotFoundError string

func (msg ConsumerGroupNotFoundError) Error() string {
	return fmt.Sprintf("consumer group not found: %s", string(msg))
}

// ConsumerGroupAlreadyExistsError is thrown when creating a consumer group
// whose ID is taken within a topic.
type ConsumerGroupAlreadyExistsError string

func (msg ConsumerGroupAlreadyExistsError) Error() string {
	return fmt.Sprintf("consumer group already exists: %s", string(msg))
}

// MemberNotFoundError is thrown when a consumer group operation references a
// member that never joined.
type MemberNotFoundError string

func (msg MemberNotFoundError) Error() string {
	return fmt.Sprintf("consumer group member not found: %s", string(msg))
}
