package recorder

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gocgm/pkg/config"
	"github.com/itohio/gocgm/pkg/sample"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func steppedClock(start time.Time) func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}

func TestRecorder_Disabled(t *testing.T) {
	dir := t.TempDir()
	r := New(config.RecorderConfig{Enabled: false, Path: dir})

	r.Record([]sample.Sample{{Elapsed: 1}})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, r.Path())
}

func TestRecorder_WritesRows(t *testing.T) {
	dir := t.TempDir()
	r := New(config.RecorderConfig{Enabled: true, Path: dir})
	defer r.Close()

	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	r.Record([]sample.Sample{
		{Elapsed: 1.5, Uric: 10, Ascorbic: -2, Glucose: 0.25, Voltage: 0.1, ReceivedAt: at, ReceiveTime: "12:30:00.000"},
		{Elapsed: 2.5, Glucose: 0.5},
	})

	require.NotEmpty(t, r.Path())
	rows := readCSV(t, r.Path())
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{
		at.Format(time.RFC3339Nano), "12:30:00.000", "1.500",
		"10.0000", "-2.0000", "0.25000", "0.1000",
	}, rows[1])
	assert.Equal(t, "2.500", rows[2][2])
}

func TestRecorder_Rotates(t *testing.T) {
	dir := t.TempDir()
	r := New(config.RecorderConfig{Enabled: true, Path: dir, MaxRows: 2})
	r.Now = steppedClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	defer r.Close()

	r.Record(make([]sample.Sample, 5))
	r.Close()

	files, err := filepath.Glob(filepath.Join(dir, "cgm_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 3)

	total := 0
	for _, f := range files {
		rows := readCSV(t, f)
		assert.LessOrEqual(t, len(rows)-1, 2)
		total += len(rows) - 1
	}
	assert.Equal(t, 5, total)
}

func TestRecorder_SetEnabled(t *testing.T) {
	dir := t.TempDir()
	r := New(config.RecorderConfig{Path: dir})
	assert.False(t, r.IsEnabled())

	r.SetEnabled(true)
	assert.True(t, r.IsEnabled())
	r.Record([]sample.Sample{{Elapsed: 1}})
	assert.NotEmpty(t, r.Path())

	r.SetEnabled(false)
	assert.Empty(t, r.Path())
}

func TestNew_Defaults(t *testing.T) {
	r := New(config.RecorderConfig{})
	assert.Equal(t, "records", r.dir)
	assert.Equal(t, defaultMaxRows, r.maxRows)
}
