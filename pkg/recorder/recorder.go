// Package recorder appends drained samples to CSV files with rotation.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/itohio/gocgm/pkg/config"
	"github.com/itohio/gocgm/pkg/sample"
)

const defaultMaxRows = 100_000

var csvHeader = []string{
	"received_at", "receive_time", "elapsed_s",
	"uric_ua", "ascorbic_ua", "glucose_ma", "voltage_v",
}

// Recorder writes samples to CSV, starting a new file every MaxRows rows.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool

	// Now names new files. Defaults to time.Now.
	Now func() time.Time

	file   *os.File
	writer *csv.Writer
	path   string
	rows   int
}

// New creates a Recorder. No file is created until the first sample.
func New(cfg config.RecorderConfig) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "records"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Recorder{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		Now:     time.Now,
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Path returns the file currently written, or "" if none is open.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Record appends a batch of samples and flushes once.
func (r *Recorder) Record(batch []sample.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || len(batch) == 0 {
		return
	}

	for _, s := range batch {
		if r.writer == nil || r.rows >= r.maxRows {
			if err := r.rotateFile(); err != nil {
				log.Error().Str("component", "recorder").Err(err).Msg("rotate failed")
				return
			}
		}

		if err := r.writer.Write(buildRow(s)); err != nil {
			log.Error().Str("component", "recorder").Err(err).Msg("write failed")
			return
		}
		r.rows++
	}
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		log.Error().Str("component", "recorder").Err(err).Msg("flush failed")
	}
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile() error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("cgm_%s.csv", r.Now().Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.path = path
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Info().Str("component", "recorder").Str("path", path).Msg("opened")
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.path = ""
}

func buildRow(s sample.Sample) []string {
	return []string{
		s.ReceivedAt.Format(time.RFC3339Nano),
		s.ReceiveTime,
		strconv.FormatFloat(s.Elapsed, 'f', 3, 64),
		strconv.FormatFloat(s.Uric, 'f', 4, 64),
		strconv.FormatFloat(s.Ascorbic, 'f', 4, 64),
		strconv.FormatFloat(s.Glucose, 'f', 5, 64),
		strconv.FormatFloat(s.Voltage, 'f', 4, 64),
	}
}
