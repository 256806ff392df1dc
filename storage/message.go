package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/snappy"
)

// MessageID is the 128-bit client-supplied identifier used as the
// deduplication key. The zero value means "no ID".
type MessageID [16]byte

func (id MessageID) IsZero() bool {
	return id == MessageID{}
}

func (id MessageID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Message is a single immutable log entry. Offset and Timestamp are assigned
// by the partition on append; everything else comes from the producer.
type Message struct {
	ID        MessageID
	Offset    uint64
	Timestamp int64 // unix microseconds
	Headers   map[string]string
	Payload   []byte
	Checksum  uint32 // CRC32 (IEEE) of the uncompressed payload
}

// NewMessage builds a message with its payload checksum precomputed.
func NewMessage(id MessageID, headers map[string]string, payload []byte) *Message {
	return &Message{
		ID:       id,
		Headers:  headers,
		Payload:  payload,
		Checksum: crc32.ChecksumIEEE(payload),
	}
}

const (
	// Fixed-size portion of an on-disk entry:
	// offset(8) timestamp(8) id(16) checksum(4) flags(1) headersLen(4).
	messageHeaderSize = 41

	flagCompressed = 1 << 0

	// Length fields are read from disk before the rest of the entry, so a
	// corrupt field could otherwise demand an arbitrarily large allocation
	// during recovery. Entries beyond these caps are treated as torn.
	maxHeadersBlockSize = 16 << 20
	maxPayloadSize      = 512 << 20
)

// encodedHeadersSize returns the byte size of the header block:
// per header, keyLen(2) key valueLen(4) value.
func encodedHeadersSize(headers map[string]string) int {
	size := 0
	for k, v := range headers {
		size += 2 + len(k) + 4 + len(v)
	}
	return size
}

// encodeMessage appends the wire form of m to buf and returns the number of
// bytes written. When compress is set the payload is stored snappy-encoded
// and the compressed flag bit is set; the checksum always covers the
// uncompressed payload so corruption is detected after decompression too.
func encodeMessage(buf *bytes.Buffer, m *Message, compress bool) int {
	payload := m.Payload
	var flags uint8
	if compress && len(payload) > 0 {
		encoded := snappy.Encode(nil, payload)
		if len(encoded) < len(payload) {
			payload = encoded
			flags |= flagCompressed
		}
	}

	var scratch [messageHeaderSize]byte
	binary.LittleEndian.PutUint64(scratch[0:8], m.Offset)
	binary.LittleEndian.PutUint64(scratch[8:16], uint64(m.Timestamp))
	copy(scratch[16:32], m.ID[:])
	binary.LittleEndian.PutUint32(scratch[32:36], m.Checksum)
	scratch[36] = flags
	binary.LittleEndian.PutUint32(scratch[37:41], uint32(encodedHeadersSize(m.Headers)))
	buf.Write(scratch[:])

	written := messageHeaderSize
	var lenScratch [4]byte
	for k, v := range m.Headers {
		binary.LittleEndian.PutUint16(lenScratch[0:2], uint16(len(k)))
		buf.Write(lenScratch[0:2])
		buf.WriteString(k)
		binary.LittleEndian.PutUint32(lenScratch[0:4], uint32(len(v)))
		buf.Write(lenScratch[0:4])
		buf.WriteString(v)
		written += 2 + len(k) + 4 + len(v)
	}

	binary.LittleEndian.PutUint32(lenScratch[0:4], uint32(len(payload)))
	buf.Write(lenScratch[0:4])
	buf.Write(payload)
	written += 4 + len(payload)

	return written
}

// decodeMessage reads one entry from r. It returns io.EOF when the reader is
// positioned exactly at the end of the log, and io.ErrUnexpectedEOF when an
// entry is torn (partially written), so callers can truncate the tail.
func decodeMessage(r io.Reader, validateChecksum bool) (*Message, int, error) {
	var header [messageHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, io.ErrUnexpectedEOF
	}

	m := &Message{
		Offset:    binary.LittleEndian.Uint64(header[0:8]),
		Timestamp: int64(binary.LittleEndian.Uint64(header[8:16])),
		Checksum:  binary.LittleEndian.Uint32(header[32:36]),
	}
	copy(m.ID[:], header[16:32])
	flags := header[36]
	headersLen := binary.LittleEndian.Uint32(header[37:41])

	read := messageHeaderSize
	if headersLen > maxHeadersBlockSize {
		return nil, read, io.ErrUnexpectedEOF
	}
	if headersLen > 0 {
		headerBytes := make([]byte, headersLen)
		if _, err := io.ReadFull(r, headerBytes); err != nil {
			return nil, read, io.ErrUnexpectedEOF
		}
		read += int(headersLen)
		headers, err := decodeHeaders(headerBytes)
		if err != nil {
			return nil, read, err
		}
		m.Headers = headers
	}

	var lenScratch [4]byte
	if _, err := io.ReadFull(r, lenScratch[:]); err != nil {
		return nil, read, io.ErrUnexpectedEOF
	}
	read += 4
	payloadLen := binary.LittleEndian.Uint32(lenScratch[:])
	if payloadLen > maxPayloadSize {
		return nil, read, io.ErrUnexpectedEOF
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, read, io.ErrUnexpectedEOF
	}
	read += int(payloadLen)

	if flags&flagCompressed != 0 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, read, ChecksumMismatchError(fmt.Sprintf("offset %d", m.Offset))
		}
		payload = decoded
	}
	m.Payload = payload

	if validateChecksum && crc32.ChecksumIEEE(payload) != m.Checksum {
		return nil, read, ChecksumMismatchError(fmt.Sprintf("offset %d", m.Offset))
	}

	return m, read, nil
}

func decodeHeaders(data []byte) (map[string]string, error) {
	headers := make(map[string]string)
	pos := 0
	for pos < len(data) {
		if pos+2 > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		keyLen := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if pos+keyLen+4 > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		key := string(data[pos : pos+keyLen])
		pos += keyLen
		valueLen := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+valueLen > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		headers[key] = string(data[pos : pos+valueLen])
		pos += valueLen
	}
	return headers, nil
}
