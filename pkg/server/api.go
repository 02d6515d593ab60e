package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/itohio/gocgm/pkg/command"
	"github.com/itohio/gocgm/pkg/filter"
	"github.com/itohio/gocgm/pkg/metrics"
	"github.com/itohio/gocgm/pkg/monitor"
	"github.com/itohio/gocgm/pkg/sample"
	"github.com/itohio/gocgm/pkg/scope"
	"github.com/itohio/gocgm/pkg/session"
)

// FilterSettings is the wire form of the filter configuration. On POST every
// field is optional.
type FilterSettings struct {
	Mode    *string  `json:"mode,omitempty"`
	Window  *int     `json:"window,omitempty"`
	KalmanQ *float64 `json:"kalmanQ,omitempty"`
	KalmanR *float64 `json:"kalmanR,omitempty"`
}

// Status summarizes the pipeline.
type Status struct {
	Connected      bool             `json:"connected"`
	Port           string           `json:"port"`
	AutoReconnect  bool             `json:"autoReconnect"`
	Filter         FilterSettings   `json:"filter"`
	Clients        int              `json:"clients"`
	Pending        int              `json:"pending"`
	PendingDropped uint64           `json:"pendingDropped"`
	FrameBuffered  int              `json:"frameBuffered"` // bytes of an incomplete frame
	Recorder       *RecorderStatus  `json:"recorder,omitempty"`
	Publisher      *PublisherStatus `json:"publisher,omitempty"`
	Metrics        metrics.Snapshot `json:"metrics"`
}

// RecorderStatus reports the CSV recorder. On POST only Enabled is read.
type RecorderStatus struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// PublisherStatus reports the NATS publisher counters.
type PublisherStatus struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// SendRequest carries one outgoing command. Exactly one field is used, in
// the order command, hex, text.
type SendRequest struct {
	Command string `json:"command,omitempty"`
	Hex     string `json:"hex,omitempty"`
	Text    string `json:"text,omitempty"`
}

// ConnectRequest optionally toggles auto-reconnect before connecting.
type ConnectRequest struct {
	AutoReconnect *bool `json:"autoReconnect,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v fully before writing the header; an encoding failure
// answers 500.
func writeJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Warn().Str("component", "server").Err(err).Msg("failed to encode response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		writeBody(w, []byte(`{"error":"failed to encode response"}`+"\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeBody(w, buf.Bytes())
}

func writeBody(w http.ResponseWriter, data []byte) {
	if _, err := w.Write(data); err != nil {
		log.Debug().Str("component", "server").Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func (s *Server) filterSettings() FilterSettings {
	st := s.filter.Settings()
	mode := st.Mode.String()
	return FilterSettings{
		Mode:    &mode,
		Window:  &st.Window,
		KalmanQ: &st.KalmanQ,
		KalmanR: &st.KalmanR,
	}
}

func (s *Server) recorderStatus() *RecorderStatus {
	if s.recorder == nil {
		return nil
	}
	return &RecorderStatus{Enabled: s.recorder.IsEnabled(), Path: s.recorder.Path()}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, dropped := s.mon.Pending()
	st := Status{
		Connected:      s.sess.IsConnected(),
		Port:           s.sess.Name(),
		AutoReconnect:  s.sess.AutoReconnect(),
		Filter:         s.filterSettings(),
		Clients:        s.Clients(),
		Pending:        pending,
		PendingDropped: dropped,
		FrameBuffered:  s.sess.Buffered(),
		Recorder:       s.recorderStatus(),
		Metrics:        s.metrics.Snapshot(),
	}
	if s.publisher != nil {
		st.Publisher = &PublisherStatus{
			Published: s.publisher.Published(),
			Failed:    s.publisher.Failed(),
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.mon.Records(limit))
}

func seriesKind(w http.ResponseWriter, r *http.Request) (monitor.SeriesKind, bool) {
	kind, err := monitor.ParseSeriesKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return 0, false
	}
	return kind, true
}

// imageSize reads the optional width and height query parameters.
func imageSize(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	width, err := queryInt(r, "width")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return 0, 0, false
	}
	height, err := queryInt(r, "height")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return 0, 0, false
	}
	return width, height, true
}

func writePNG(w http.ResponseWriter, render func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	writeBody(w, buf.Bytes())
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	kind, ok := seriesKind(w, r)
	if !ok {
		return
	}
	maxPoints, err := queryInt(r, "max")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	points := s.mon.Series(kind, 0)
	writeJSON(w, http.StatusOK, sample.Downsample(nil, points, maxPoints))
}

func (s *Server) handleSeriesPNG(w http.ResponseWriter, r *http.Request) {
	width, height, ok := imageSize(w, r)
	if !ok {
		return
	}
	kind, ok := seriesKind(w, r)
	if !ok {
		return
	}

	points := s.mon.Series(kind, 0)
	writePNG(w, func(buf *bytes.Buffer) error {
		return scope.New(width, height).Series(buf, kind, points)
	})
}

func (s *Server) cycles(w http.ResponseWriter, r *http.Request) (monitor.SeriesKind, monitor.View, bool) {
	kind, ok := seriesKind(w, r)
	if !ok {
		return 0, monitor.View{}, false
	}
	view, err := s.mon.Cycles(kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return 0, monitor.View{}, false
	}
	return kind, view, true
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	if _, view, ok := s.cycles(w, r); ok {
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleCyclesPNG(w http.ResponseWriter, r *http.Request) {
	width, height, ok := imageSize(w, r)
	if !ok {
		return
	}
	kind, view, ok := s.cycles(w, r)
	if !ok {
		return
	}

	writePNG(w, func(buf *bytes.Buffer) error {
		return scope.New(width, height).Cycles(buf, kind, view)
	})
}

func (s *Server) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.filterSettings())
}

// handleSetFilter applies the given fields in order. An invalid value is
// rejected with 400 and the fields before it stay applied.
func (s *Server) handleSetFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	if req.Mode != nil {
		mode, err := filter.ParseMode(*req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.filter.SetMode(mode)
	}
	if req.Window != nil {
		if _, err := s.filter.SetWindow(*req.Window); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.KalmanQ != nil {
		if err := s.filter.SetKalmanQ(*req.KalmanQ); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.KalmanR != nil {
		if err := s.filter.SetKalmanR(*req.KalmanR); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	log.Info().Str("component", "server").Interface("filter", s.filter.Settings()).Msg("filter updated")
	writeJSON(w, http.StatusOK, s.filterSettings())
}

func (s *Server) handleGetRecorder(w http.ResponseWriter, r *http.Request) {
	st := s.recorderStatus()
	if st == nil {
		writeError(w, http.StatusNotFound, errors.New("recorder not configured"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetRecorder(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusNotFound, errors.New("recorder not configured"))
		return
	}

	var req RecorderStatus
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	s.recorder.SetEnabled(req.Enabled)
	log.Info().Str("component", "server").Bool("enabled", req.Enabled).Msg("recorder updated")
	writeJSON(w, http.StatusOK, s.recorderStatus())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}

	var err error
	switch {
	case req.Command != "":
		err = s.sess.SendText(req.Command)
	case req.Hex != "":
		err = s.sess.SendHex(req.Hex)
	default:
		err = s.sess.SendText(req.Text)
	}

	switch {
	case errors.Is(err, command.ErrInvalidHex):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, session.ErrNotConnected):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
			return
		}
	}
	if req.AutoReconnect != nil {
		s.sess.SetAutoReconnect(*req.AutoReconnect)
	}

	if err := s.sess.Connect(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sess.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.mon.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
