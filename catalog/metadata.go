package catalog

import (
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	streamMetadataFile = "stream.meta"
	topicMetadataFile  = "topic.meta"
)

// streamMetadata is the durable identity of a stream, stored as msgpack in
// stream.meta inside the stream directory.
type streamMetadata struct {
	ID        uint32 `msgpack:"id"`
	Name      string `msgpack:"name"`
	CreatedAt int64  `msgpack:"created_at"`
}

// topicMetadata is the durable identity and settings of a topic, stored as
// msgpack in topic.meta inside the topic directory.
type topicMetadata struct {
	ID            uint32 `msgpack:"id"`
	Name          string `msgpack:"name"`
	CreatedAt     int64  `msgpack:"created_at"`
	MessageExpiry int64  `msgpack:"message_expiry"` // microseconds, 0 = never
}

func saveMetadata(path string, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadMetadata(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, v)
}
