// Package server exposes the pipeline over HTTP: a JSON API, a WebSocket
// feed of drained samples and the Prometheus endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/itohio/gocgm/pkg/command"
	"github.com/itohio/gocgm/pkg/filter"
	"github.com/itohio/gocgm/pkg/metrics"
	"github.com/itohio/gocgm/pkg/monitor"
	"github.com/itohio/gocgm/pkg/publish"
	"github.com/itohio/gocgm/pkg/recorder"
	"github.com/itohio/gocgm/pkg/sample"
	"github.com/itohio/gocgm/pkg/session"
)

// Monitor is the cache side of the pipeline.
type Monitor interface {
	Records(n int) []sample.Sample
	Series(kind monitor.SeriesKind, n int) []sample.Point
	Cycles(kind monitor.SeriesKind) (monitor.View, error)
	OnUpdate(cb monitor.UpdateFunc)
	Pending() (int, uint64)
	Reset()
}

// Session is the connection side of the pipeline.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Name() string
	AutoReconnect() bool
	SetAutoReconnect(enabled bool)
	SendText(text string) error
	SendHex(text string) error
	OnRaw(hook func(chunk []byte))
	OnEvent(hook func(session.Event))
	Buffered() int
}

// Filter is the runtime-tunable filter engine.
type Filter interface {
	Settings() filter.Settings
	SetMode(m filter.Mode)
	SetWindow(w int) (int, error)
	SetKalmanQ(q float64) error
	SetKalmanR(r float64) error
}

// Recorder is the optional CSV recorder.
type Recorder interface {
	SetEnabled(on bool)
	IsEnabled() bool
	Path() string
}

// Publisher is the optional downstream publisher.
type Publisher interface {
	Published() uint64
	Failed() uint64
}

// Ensure the pipeline types satisfy the interfaces.
var (
	_ Monitor   = (*monitor.Monitor)(nil)
	_ Session   = (*session.Session)(nil)
	_ Filter    = (*filter.Engine)(nil)
	_ Recorder  = (*recorder.Recorder)(nil)
	_ Publisher = (*publish.Publisher)(nil)
)

const (
	sendBuffer   = 64
	writeTimeout = time.Second
)

// Message is the JSON structure sent to WebSocket clients.
type Message struct {
	Type    string          `json:"type"` // samples, raw or event
	Samples []sample.Sample `json:"samples,omitempty"`
	Raw     string          `json:"raw,omitempty"` // hex pairs
	Event   string          `json:"event,omitempty"`
	Port    string          `json:"port,omitempty"`
	Error   string          `json:"error,omitempty"`
	Stamp   int64           `json:"stamp"` // Unix ms
}

// Server serves one pipeline.
type Server struct {
	addr    string
	mon     Monitor
	sess    Session
	filter  Filter
	metrics *metrics.Metrics

	recorder  Recorder
	publisher Publisher

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	router   chi.Router
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Server and subscribes it to pipeline updates.
func New(addr string, mon Monitor, sess Session, f Filter, m *metrics.Metrics) *Server {
	s := &Server{
		addr:    addr,
		mon:     mon,
		sess:    sess,
		filter:  f,
		metrics: m,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/records", s.handleRecords)
		r.Get("/series/{kind}", s.handleSeries)
		r.Get("/series/{kind}/png", s.handleSeriesPNG)
		r.Get("/cycles/{kind}", s.handleCycles)
		r.Get("/cycles/{kind}/png", s.handleCyclesPNG)
		r.Get("/filter", s.handleGetFilter)
		r.Post("/filter", s.handleSetFilter)
		r.Get("/recorder", s.handleGetRecorder)
		r.Post("/recorder", s.handleSetRecorder)
		r.Post("/send", s.handleSend)
		r.Post("/connect", s.handleConnect)
		r.Post("/disconnect", s.handleDisconnect)
		r.Post("/clear", s.handleClear)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	s.router = r

	mon.OnUpdate(func(batch []sample.Sample) {
		s.broadcast(Message{Type: "samples", Samples: batch})
	})
	sess.OnRaw(func(chunk []byte) {
		s.broadcast(Message{Type: "raw", Raw: command.FormatHex(chunk)})
	})
	sess.OnEvent(func(ev session.Event) {
		msg := Message{Type: "event", Event: ev.Type.String(), Port: ev.Port}
		if ev.Err != nil {
			msg.Error = ev.Err.Error()
		}
		s.broadcast(msg)
	})

	return s
}

// SetRecorder exposes rec through the API. Call before Run.
func (s *Server) SetRecorder(rec Recorder) {
	s.recorder = rec
}

// SetPublisher reports pub's counters in the status. Call before Run.
func (s *Server) SetPublisher(pub Publisher) {
	s.publisher = pub
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	log.Info().Str("component", "server").Str("addr", s.addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "ws").Err(err).Msg("upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Debug().Str("component", "ws").Int("clients", n).Msg("client connected")

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine, detects the close
	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) removeClient(client *wsClient) {
	s.clientsMu.Lock()
	_, ok := s.clients[client]
	if ok {
		delete(s.clients, client)
		close(client.send)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()

	if ok {
		log.Debug().Str("component", "ws").Int("clients", n).Msg("client disconnected")
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
	}
}

func (s *Server) broadcast(msg Message) {
	msg.Stamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Str("component", "ws").Str("type", msg.Type).Err(err).Msg("dropping message")
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
