package agency

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
)

// EntryType serves as an internal marker for log entries.
// Non-command entry types are handled by the consensus layer itself.
type EntryType uint8

const (
	// EntryCommand carries an operation set submitted by a client.
	EntryCommand EntryType = iota
	// EntryNop is appended by a new leader to commit entries of earlier terms.
	EntryNop
)

// String returns the name of the entry type.
func (t EntryType) String() string {
	switch t {
	case EntryCommand:
		return "command"
	case EntryNop:
		return "nop"
	}
	return fmt.Sprintf("EntryType(%d)", t)
}

// logEntryHeaderSize is type+index+term+timestamp+clientID length+payload length+checksum.
const logEntryHeaderSize = 1 + 8 + 8 + 8 + 4 + 4 + 4

// MaxLogEntrySize bounds the encoded payload of a single entry.
const MaxLogEntrySize = 64 << 20

// LogEntry represents a single mutation within the replicated log.
type LogEntry struct {
	Type          EntryType
	Index         uint64
	Term          uint64
	ClientID      string
	Operations    OperationSet
	Preconditions Preconditions
	Timestamp     time.Time
}

// entryPayload is the JSON body of a command entry.
type entryPayload struct {
	Operations    OperationSet  `json:"operations"`
	Preconditions Preconditions `json:"preconditions,omitempty"`
}

// Payload returns the canonical encoding of the entry's operations and
// preconditions. It is identical on every replica for the same entry.
func (e *LogEntry) Payload() ([]byte, error) {
	if e.Type != EntryCommand {
		return nil, nil
	}
	return json.Marshal(entryPayload{
		Operations:    e.Operations,
		Preconditions: e.Preconditions,
	})
}

// Digest returns a hash of the entry payload, used to recognize resubmissions.
func (e *LogEntry) Digest() (uint64, error) {
	b, err := e.Payload()
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(b), nil
}

// MarshalBinary encodes the entry into a checksummed binary record.
func (e *LogEntry) MarshalBinary() ([]byte, error) {
	payload, err := e.Payload()
	if err != nil {
		return nil, err
	} else if len(payload) > MaxLogEntrySize {
		return nil, ErrLogEntryTooLarge
	}

	var ts int64
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UnixNano()
	}

	b := make([]byte, logEntryHeaderSize, logEntryHeaderSize+len(e.ClientID)+len(payload))
	b[0] = byte(e.Type)
	binary.BigEndian.PutUint64(b[1:9], e.Index)
	binary.BigEndian.PutUint64(b[9:17], e.Term)
	binary.BigEndian.PutUint64(b[17:25], uint64(ts))
	binary.BigEndian.PutUint32(b[25:29], uint32(len(e.ClientID)))
	binary.BigEndian.PutUint32(b[29:33], uint32(len(payload)))
	b = append(b, e.ClientID...)
	b = append(b, payload...)

	// Checksum covers everything but the checksum field itself.
	binary.BigEndian.PutUint32(b[33:37], checksum(b))
	return b, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (e *LogEntry) UnmarshalBinary(b []byte) error {
	if len(b) < logEntryHeaderSize {
		return fmt.Errorf("log entry too short: %d bytes", len(b))
	}

	clientLen := int(binary.BigEndian.Uint32(b[25:29]))
	payloadLen := int(binary.BigEndian.Uint32(b[29:33]))
	if len(b) != logEntryHeaderSize+clientLen+payloadLen {
		return fmt.Errorf("log entry size mismatch: got %d, header declares %d", len(b), logEntryHeaderSize+clientLen+payloadLen)
	}
	if exp, got := binary.BigEndian.Uint32(b[33:37]), checksum(b); exp != got {
		return fmt.Errorf("invalid log entry checksum: expected %08x, received %08x", exp, got)
	}

	e.Type = EntryType(b[0])
	e.Index = binary.BigEndian.Uint64(b[1:9])
	e.Term = binary.BigEndian.Uint64(b[9:17])
	e.Timestamp = time.Time{}
	if ts := int64(binary.BigEndian.Uint64(b[17:25])); ts != 0 {
		e.Timestamp = time.Unix(0, ts).UTC()
	}

	body := b[logEntryHeaderSize:]
	e.ClientID = string(body[:clientLen])
	e.Operations, e.Preconditions = nil, nil

	if payloadLen > 0 {
		var p entryPayload
		if err := json.Unmarshal(body[clientLen:], &p); err != nil {
			return fmt.Errorf("decode log entry payload: %w", err)
		}
		e.Operations, e.Preconditions = p.Operations, p.Preconditions
	}
	return nil
}

func checksum(b []byte) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write(b[:33])
	_, _ = h.Write(b[logEntryHeaderSize:])
	return h.Sum32()
}

// LogEntryEncoder encodes length-prefixed entries to a writer.
type LogEntryEncoder struct {
	w io.Writer
}

// NewLogEntryEncoder returns a new instance of the LogEntryEncoder that
// will encode to a writer.
func NewLogEntryEncoder(w io.Writer) *LogEntryEncoder {
	return &LogEntryEncoder{w: w}
}

// Encode writes a log entry to the encoder's writer.
func (enc *LogEntryEncoder) Encode(e *LogEntry) error {
	b, err := e.MarshalBinary()
	if err != nil {
		return err
	}

	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], uint32(len(b)))
	if _, err := enc.w.Write(sz[:]); err != nil {
		return err
	}
	_, err = enc.w.Write(b)
	return err
}

// LogEntryDecoder decodes entries from a reader.
type LogEntryDecoder struct {
	r io.Reader
}

// NewLogEntryDecoder returns a new instance of the LogEntryDecoder that
// will decode from a reader.
func NewLogEntryDecoder(r io.Reader) *LogEntryDecoder {
	return &LogEntryDecoder{r: r}
}

// Decode reads a log entry from the decoder's reader.
// Returns io.EOF when the stream ends cleanly between entries.
func (dec *LogEntryDecoder) Decode(e *LogEntry) error {
	var sz [4]byte
	if _, err := io.ReadFull(dec.r, sz[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(sz[:])
	if n > MaxLogEntrySize+logEntryHeaderSize+(1<<16) {
		return ErrLogEntryTooLarge
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(dec.r, b); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return e.UnmarshalBinary(b)
}
