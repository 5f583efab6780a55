// Package backtest records live snapshots to disk and replays them as a
// substitute for the exchange and signal feeds.
package backtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/signalgrid/tradebot/internal/domain"
)

// Frame wire layout: magic, version, entity, unix-milli timestamp, then a
// length-prefixed key/value list. Values are strings; numeric fields are
// carried in decimal string form so no precision is lost in transit.
const (
	frameMagic   = "SGBF"
	frameVersion = byte(1)
)

// Frame is one self-describing snapshot. Field order is stable: Encode
// sorts by key, Decode preserves file order.
type Frame struct {
	Entity string
	At     time.Time
	Fields []Field
}

// Field is one key-value pair inside a frame.
type Field struct {
	Key   string
	Value string
}

// Get returns the value for a key, ok=false when absent.
func (f Frame) Get(key string) (string, bool) {
	for _, fld := range f.Fields {
		if fld.Key == key {
			return fld.Value, true
		}
	}
	return "", false
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	buf.Write(lenBuf[:n])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, r.Len())
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode serializes the frame with fields sorted by key.
func Encode(f Frame) []byte {
	fields := make([]Field, len(f.Fields))
	copy(fields, f.Fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })

	var buf bytes.Buffer
	buf.WriteString(frameMagic)
	buf.WriteByte(frameVersion)
	writeString(&buf, f.Entity)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(f.At.UnixMilli()))
	buf.Write(tsBuf[:])

	var cntBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(cntBuf[:], uint64(len(fields)))
	buf.Write(cntBuf[:n])

	for _, fld := range fields {
		writeString(&buf, fld.Key)
		writeString(&buf, fld.Value)
	}
	return buf.Bytes()
}

// Decode parses one frame. Fails on bad magic or a truncated payload.
func Decode(data []byte) (Frame, error) {
	if len(data) < len(frameMagic)+1 || string(data[:len(frameMagic)]) != frameMagic {
		return Frame{}, domain.NewValidationError("not a snapshot frame")
	}
	if data[len(frameMagic)] != frameVersion {
		return Frame{}, domain.NewValidationError("unsupported frame version %d", data[len(frameMagic)])
	}

	r := bytes.NewReader(data[len(frameMagic)+1:])
	entity, err := readString(r)
	if err != nil {
		return Frame{}, fmt.Errorf("frame entity: %w", err)
	}

	var tsBuf [8]byte
	if _, err := r.Read(tsBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("frame timestamp: %w", err)
	}
	at := time.UnixMilli(int64(binary.BigEndian.Uint64(tsBuf[:]))).UTC()

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return Frame{}, fmt.Errorf("frame field count: %w", err)
	}

	fields := make([]Field, 0, count)
	for i := uint64(0); i < count; i++ {
		key, err := readString(r)
		if err != nil {
			return Frame{}, fmt.Errorf("frame field key: %w", err)
		}
		val, err := readString(r)
		if err != nil {
			return Frame{}, fmt.Errorf("frame field value: %w", err)
		}
		fields = append(fields, Field{Key: key, Value: val})
	}
	return Frame{Entity: entity, At: at, Fields: fields}, nil
}
