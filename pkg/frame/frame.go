// Package frame reconstructs JSON records from an arbitrarily chunked byte stream.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ReceiveTimeLayout is the layout of Record.ReceiveTime (HH:MM:SS.mmm).
const ReceiveTimeLayout = "15:04:05.000"

// DefaultMaxFrame bounds an incomplete frame held across chunks.
const DefaultMaxFrame = 4096

// ErrFrameTooLarge is reported through OnDrop when an unterminated frame
// outgrows the extractor's MaxFrame.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// Wire field names. Matching is case-sensitive.
const (
	FieldSeconds  = "Seconds"
	FieldUric     = "Uric"
	FieldAscorbic = "Ascorbic"
	FieldGlucose  = "Glucose"
	FieldVolt     = "Volt"
)

// Record is one decoded frame with its raw device codes.
type Record struct {
	Seconds  float64 // Raw elapsed time code (ms)
	Uric     float64 // Raw ADC code
	Ascorbic float64 // Raw ADC code
	Glucose  float64 // Raw ADC code
	Volt     float64 // Raw ADC code

	ReceivedAt  time.Time // Capture time, non-decreasing per extractor
	ReceiveTime string    // ReceivedAt formatted with ReceiveTimeLayout
}

// Extractor accumulates stream chunks and cuts them into frames.
//
// A frame spans from the first '{' to the first '}' after it. Braces are not
// nested, so a '}' inside a string value terminates the frame early.
// Extractor is not safe for concurrent use.
type Extractor struct {
	buf  []byte
	last time.Time

	// Now returns the capture time. Defaults to time.Now.
	Now func() time.Time
	// MaxFrame is the largest unterminated frame kept between chunks.
	// Zero disables the limit.
	MaxFrame int
	// OnDrop is called for every frame that fails to decode.
	OnDrop func(frame []byte, err error)
}

// NewExtractor creates an empty extractor.
func NewExtractor() *Extractor {
	return &Extractor{Now: time.Now, MaxFrame: DefaultMaxFrame}
}

// Reset discards any buffered partial frame.
func (e *Extractor) Reset() {
	e.buf = e.buf[:0]
	e.last = time.Time{}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (e *Extractor) Buffered() int {
	return len(e.buf)
}

// Feed appends chunk to the accumulator and returns every record completed by it.
func (e *Extractor) Feed(chunk []byte) []Record {
	e.buf = append(e.buf, chunk...)

	var records []Record
	for {
		start := bytes.IndexByte(e.buf, '{')
		if start < 0 {
			// Nothing worth keeping
			e.buf = e.buf[:0]
			break
		}

		end := bytes.IndexByte(e.buf[start:], '}')
		if end < 0 {
			if e.MaxFrame > 0 && len(e.buf)-start > e.MaxFrame {
				// Stale '{': drop it and rescan from the next one
				if e.OnDrop != nil {
					e.OnDrop(bytes.Clone(e.buf[start:]), ErrFrameTooLarge)
				}
				e.compact(start + 1)
				continue
			}
			// Incomplete frame: drop leading noise, keep the rest
			e.compact(start)
			break
		}
		end += start

		span := e.buf[start : end+1]
		rec, err := Decode(span)
		if err != nil {
			if e.OnDrop != nil {
				e.OnDrop(bytes.Clone(span), err)
			}
		} else {
			e.stamp(&rec)
			records = append(records, rec)
		}

		e.compact(end + 1)
	}

	return records
}

// compact drops the first n bytes of the accumulator, reusing its storage.
func (e *Extractor) compact(n int) {
	if n <= 0 {
		return
	}
	rest := copy(e.buf, e.buf[n:])
	e.buf = e.buf[:rest]
}

func (e *Extractor) stamp(rec *Record) {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	t := now()
	if t.Before(e.last) {
		t = e.last
	}
	e.last = t

	rec.ReceivedAt = t
	rec.ReceiveTime = t.Format(ReceiveTimeLayout)
}

// Decode parses a single frame. Unknown fields are ignored and missing fields
// are zero. Finite numeric strings are accepted; any other value reads as zero.
func Decode(data []byte) (Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Record{}, fmt.Errorf("invalid frame: %w", err)
	}
	if fields == nil {
		return Record{}, fmt.Errorf("invalid frame: not an object")
	}

	return Record{
		Seconds:  number(fields, FieldSeconds),
		Uric:     number(fields, FieldUric),
		Ascorbic: number(fields, FieldAscorbic),
		Glucose:  number(fields, FieldGlucose),
		Volt:     number(fields, FieldVolt),
	}, nil
}

func number(fields map[string]any, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	default:
		return 0
	}
}
