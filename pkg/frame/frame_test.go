package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func TestExtractor_SplitFrameWithLeadingNoise(t *testing.T) {
	e := NewExtractor()

	recs := e.Feed([]byte(`garbage{"Seconds":1`))
	assert.Empty(t, recs)
	assert.Equal(t, len(`{"Seconds":1`), e.Buffered(), "noise before '{' must be dropped")

	recs = e.Feed([]byte(`,"Uric":2}`))
	require.Len(t, recs, 1)
	assert.Equal(t, 1.0, recs[0].Seconds)
	assert.Equal(t, 2.0, recs[0].Uric)
	assert.Equal(t, 0, e.Buffered())
}

func TestExtractor_MalformedFrameDoesNotConsumeNext(t *testing.T) {
	e := NewExtractor()

	var dropped [][]byte
	e.OnDrop = func(frame []byte, err error) {
		assert.Error(t, err)
		dropped = append(dropped, frame)
	}

	recs := e.Feed([]byte(`{bad}{"Seconds":5}`))
	require.Len(t, recs, 1)
	assert.Equal(t, 5.0, recs[0].Seconds)
	require.Len(t, dropped, 1)
	assert.Equal(t, "{bad}", string(dropped[0]))
}

func TestExtractor_MultipleFramesInOneChunk(t *testing.T) {
	e := NewExtractor()

	recs := e.Feed([]byte(`{"Seconds":1}\r\n{"Seconds":2}xx{"Seconds":3}{"Sec`))
	require.Len(t, recs, 3)
	assert.Equal(t, 1.0, recs[0].Seconds)
	assert.Equal(t, 2.0, recs[1].Seconds)
	assert.Equal(t, 3.0, recs[2].Seconds)
	assert.Equal(t, len(`{"Sec`), e.Buffered())
}

func TestExtractor_NoOpeningBraceClearsBuffer(t *testing.T) {
	e := NewExtractor()

	assert.Empty(t, e.Feed([]byte("just noise\n")))
	assert.Equal(t, 0, e.Buffered())

	// A stray closing brace without an opening one is noise too
	assert.Empty(t, e.Feed([]byte("}}")))
	assert.Equal(t, 0, e.Buffered())
}

func TestExtractor_NestedBracesCloseEarly(t *testing.T) {
	e := NewExtractor()

	// The first '}' closes the frame, so this one fails to decode and the
	// tail is scanned as noise.
	recs := e.Feed([]byte(`{"a":{"b":1},"Seconds":2}`))
	assert.Empty(t, recs)
	assert.Equal(t, 0, e.Buffered())
}

func TestExtractor_ByteAtATime(t *testing.T) {
	e := NewExtractor()
	input := `noise{"Seconds":1000,"Uric":1900,"Ascorbic":1800,"Glucose":2000,"Volt":1500}tail`

	var recs []Record
	for i := 0; i < len(input); i++ {
		recs = append(recs, e.Feed([]byte{input[i]})...)
	}

	require.Len(t, recs, 1)
	assert.Equal(t, Record{
		Seconds:     1000,
		Uric:        1900,
		Ascorbic:    1800,
		Glucose:     2000,
		Volt:        1500,
		ReceivedAt:  recs[0].ReceivedAt,
		ReceiveTime: recs[0].ReceiveTime,
	}, recs[0])
}

func TestExtractor_Reset(t *testing.T) {
	e := NewExtractor()
	e.Feed([]byte(`{"Seconds":1`))
	require.NotZero(t, e.Buffered())

	e.Reset()
	assert.Equal(t, 0, e.Buffered())

	// The stale prefix must not merge with new data
	recs := e.Feed([]byte(`,"Uric":2}`))
	assert.Empty(t, recs)
}

func TestExtractor_UnterminatedFrameBounded(t *testing.T) {
	e := NewExtractor()
	e.MaxFrame = 16

	var errs []error
	e.OnDrop = func(_ []byte, err error) { errs = append(errs, err) }

	recs := e.Feed([]byte(`{"Seconds":1,"Uric":2,`))
	assert.Empty(t, recs)
	assert.Equal(t, 0, e.Buffered())
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrFrameTooLarge)

	recs = e.Feed([]byte(`{"Seconds":5}`))
	require.Len(t, recs, 1)
	assert.Equal(t, 5.0, recs[0].Seconds)
}

func TestExtractor_OversizedSpanKeepsLaterFrame(t *testing.T) {
	e := NewExtractor()
	e.MaxFrame = 16

	recs := e.Feed([]byte(`{aaaaaaaaaaaaaaaaaaaa{"Seconds":3`))
	assert.Empty(t, recs)
	assert.Equal(t, len(`{"Seconds":3`), e.Buffered())

	recs = e.Feed([]byte(`}`))
	require.Len(t, recs, 1)
	assert.Equal(t, 3.0, recs[0].Seconds)
}

func TestExtractor_GrowthStaysBounded(t *testing.T) {
	e := NewExtractor()
	e.Feed([]byte(`{`))
	for i := 0; i < 1000; i++ {
		e.Feed([]byte(`"Seconds":1,`))
		require.LessOrEqual(t, e.Buffered(), DefaultMaxFrame)
	}
}

func TestExtractor_StampsReceiveTime(t *testing.T) {
	base := time.Date(2024, 5, 1, 13, 4, 5, 123_000_000, time.UTC)
	e := NewExtractor()
	e.Now = fixedClock(base, base.Add(-time.Second), base.Add(time.Second))

	recs := e.Feed([]byte(`{"Seconds":1}{"Seconds":2}{"Seconds":3}`))
	require.Len(t, recs, 3)

	assert.Equal(t, "13:04:05.123", recs[0].ReceiveTime)
	assert.Equal(t, base, recs[0].ReceivedAt)
	// Clock went backwards: stamp is clamped
	assert.Equal(t, base, recs[1].ReceivedAt)
	assert.Equal(t, base.Add(time.Second), recs[2].ReceivedAt)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Record
		wantErr bool
	}{
		{
			name:  "all fields",
			input: `{"Seconds":1,"Uric":2,"Ascorbic":3,"Glucose":4,"Volt":5}`,
			want:  Record{Seconds: 1, Uric: 2, Ascorbic: 3, Glucose: 4, Volt: 5},
		},
		{
			name:  "missing fields default to zero",
			input: `{"Glucose":42.5}`,
			want:  Record{Glucose: 42.5},
		},
		{
			name:  "extra fields ignored",
			input: `{"Seconds":7,"Extra":"x","receive_time":"00:00:00.000"}`,
			want:  Record{Seconds: 7},
		},
		{
			name:  "field names are case-sensitive",
			input: `{"seconds":7,"URIC":3}`,
			want:  Record{},
		},
		{
			name:  "numeric strings accepted",
			input: `{"Volt":"1234.5"}`,
			want:  Record{Volt: 1234.5},
		},
		{
			name:  "non-finite strings read as zero",
			input: `{"Seconds":"NaN","Uric":"Inf","Glucose":"-Infinity","Volt":"1e999"}`,
			want:  Record{},
		},
		{
			name:  "non-numeric values read as zero",
			input: `{"Volt":"abc","Uric":true}`,
			want:  Record{},
		},
		{
			name:  "empty object",
			input: `{}`,
			want:  Record{},
		},
		{
			name:    "not JSON",
			input:   `{bad}`,
			wantErr: true,
		},
		{
			name:    "truncated",
			input:   `{"Seconds":}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
