// Package journal records every kernel input as deterministically encoded
// CBOR so that a run can be replayed, byte for byte, into an identical
// kernel state. This is the concrete form of the kernel's replayability
// contract: state transitions take an explicit timestamp, so (events, nows)
// fully determine the outcome.
package journal

import (
	"errors"
	"fmt"
	"io"
	"time"

	"estakernel/internal/kernel"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The same
// logical record always produces identical bytes, which makes journals
// directly comparable for differential testing.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for forward
// compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}
}

// RecordKind distinguishes the two kernel inputs.
type RecordKind int

const (
	// RecordTick is one Tick(now) call.
	RecordTick RecordKind = iota
	// RecordEvent is one Submit(event) call.
	RecordEvent
)

// Record is one journaled kernel input. Timestamps are UTC nanoseconds so
// encoding never depends on the local zone.
type Record struct {
	Seq     uint64       `cbor:"seq"`
	Kind    RecordKind   `cbor:"kind"`
	NowUnix int64        `cbor:"now"`
	Event   kernel.Event `cbor:"event,omitempty"`
}

// Now returns the record's timestamp.
func (r Record) Now() time.Time {
	return time.Unix(0, r.NowUnix).UTC()
}

// Marshal encodes a record with deterministic CBOR.
func Marshal(r Record) ([]byte, error) {
	return encMode.Marshal(r)
}

// Unmarshal decodes a record.
func Unmarshal(data []byte, r *Record) error {
	return decMode.Unmarshal(data, r)
}

// Writer appends length-prefixed records to a stream.
type Writer struct {
	w   io.Writer
	seq uint64
}

// NewWriter wraps a stream.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// AppendTick journals one Tick input.
func (w *Writer) AppendTick(now time.Time) error {
	return w.append(Record{Kind: RecordTick, NowUnix: now.UTC().UnixNano()})
}

// AppendEvent journals one Submit input.
func (w *Writer) AppendEvent(now time.Time, ev kernel.Event) error {
	return w.append(Record{Kind: RecordEvent, NowUnix: now.UTC().UnixNano(), Event: ev})
}

func (w *Writer) append(r Record) error {
	w.seq++
	r.Seq = w.seq
	data, err := encMode.Marshal(r)
	if err != nil {
		return fmt.Errorf("journal encode: %w", err)
	}
	var prefix [4]byte
	if len(data) > int(^uint32(0)) {
		return errors.New("journal record too large")
	}
	prefix[0] = byte(len(data) >> 24)
	prefix[1] = byte(len(data) >> 16)
	prefix[2] = byte(len(data) >> 8)
	prefix[3] = byte(len(data))
	if _, err := w.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	return nil
}

// Reader iterates a journal stream.
type Reader struct {
	r io.Reader
}

// NewReader wraps a stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record, or io.EOF at the end of the journal.
func (r *Reader) Next() (Record, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("journal truncated: %w", err)
		}
		return Record{}, err
	}
	size := uint32(prefix[0])<<24 | uint32(prefix[1])<<16 | uint32(prefix[2])<<8 | uint32(prefix[3])
	data := make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return Record{}, fmt.Errorf("journal truncated: %w", err)
	}
	var rec Record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("journal decode: %w", err)
	}
	return rec, nil
}

// Replay drives a freshly initialized kernel through every journaled
// input in order. The kernel must already have completed init and start;
// after replay its state matches the recorded run.
func Replay(r *Reader, k *kernel.Kernel) (int, error) {
	applied := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return applied, nil
		}
		if err != nil {
			return applied, err
		}
		switch rec.Kind {
		case RecordTick:
			k.Tick(rec.Now())
		case RecordEvent:
			if err := k.Submit(rec.Event); err != nil {
				return applied, fmt.Errorf("replay submit seq %d: %w", rec.Seq, err)
			}
		default:
			return applied, fmt.Errorf("replay: unknown record kind %d", rec.Kind)
		}
		applied++
	}
}
