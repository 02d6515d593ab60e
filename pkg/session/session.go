// Package session owns the connection to the sensor: it reads the byte
// stream, turns it into filtered samples and hands them to a sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/itohio/gocgm/pkg/command"
	"github.com/itohio/gocgm/pkg/config"
	"github.com/itohio/gocgm/pkg/device"
	"github.com/itohio/gocgm/pkg/filter"
	"github.com/itohio/gocgm/pkg/frame"
	"github.com/itohio/gocgm/pkg/metrics"
	"github.com/itohio/gocgm/pkg/sample"
)

// sendQueueSize bounds the outgoing writes waiting on a slow transport.
const sendQueueSize = 16

var (
	// ErrNotConnected is returned when sending without an active connection.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("session closed")
)

// Sink receives filtered samples. Push must not block for long; it is
// called from the read loop.
type Sink interface {
	Push(s sample.Sample)
}

// EventType distinguishes session events.
type EventType int

const (
	Connected EventType = iota
	Disconnected
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event reports a connection state change. Err is set on a Disconnected
// event caused by a transport failure and nil otherwise.
type Event struct {
	Type EventType
	Port string
	Err  error
}

// run is one connection lifetime: one port and one read loop.
type run struct {
	port     device.Port
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	sends    chan []byte
	userStop atomic.Bool
	close    sync.Once
}

func (r *run) closePort() {
	r.close.Do(func() {
		if err := r.port.Close(); err != nil {
			log.Debug().Str("component", "session").Err(err).Msg("error closing port")
		}
	})
}

// Session coordinates connect, read, filter and enqueue for one sensor.
// All exported methods are safe for concurrent use. Hooks run on the
// session's goroutines and must not call Connect, Disconnect or Close.
type Session struct {
	dialer  device.Dialer
	cfg     config.SessionConfig
	filter  *filter.Engine
	sink    Sink
	metrics *metrics.Metrics

	// owned by the read loop; reset between runs
	extractor *frame.Extractor
	buf       []byte
	buffered  atomic.Int64

	mu            sync.Mutex
	active        *run
	gen           uint64
	autoReconnect bool
	reconnect     *time.Timer
	closed        bool

	hookMu  sync.RWMutex
	onRaw   []func(chunk []byte)
	onEvent []func(Event)
}

// New creates an idle session.
func New(dialer device.Dialer, cfg config.SessionConfig, f *filter.Engine, sink Sink, m *metrics.Metrics) *Session {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1024
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}

	s := &Session{
		dialer:        dialer,
		cfg:           cfg,
		filter:        f,
		sink:          sink,
		metrics:       m,
		extractor:     frame.NewExtractor(),
		buf:           make([]byte, cfg.ReadBufferSize),
		autoReconnect: cfg.AutoReconnect,
	}
	s.extractor.OnDrop = func(data []byte, err error) {
		m.FrameDropped()
		log.Debug().Str("component", "session").Err(err).Int("len", len(data)).Msg("dropping malformed frame")
	}

	return s
}

// OnRaw registers a hook receiving a copy of every chunk read from the
// transport, before framing.
func (s *Session) OnRaw(hook func(chunk []byte)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onRaw = append(s.onRaw, hook)
}

// OnEvent registers a hook receiving connection events.
func (s *Session) OnEvent(hook func(Event)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onEvent = append(s.onEvent, hook)
}

// Name returns the name of the underlying transport.
func (s *Session) Name() string {
	return s.dialer.Name()
}

// IsConnected reports whether a read loop is running.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// SetAutoReconnect enables or disables reconnecting after an unrequested
// disconnect.
func (s *Session) SetAutoReconnect(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReconnect = enabled
	if !enabled {
		s.stopReconnectLocked()
	}
}

// AutoReconnect reports whether auto-reconnect is enabled.
func (s *Session) AutoReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoReconnect
}

// Connect terminates any previous connection, opens the transport and
// starts the read loop. ctx bounds the dial only.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	return s.connect(ctx, gen)
}

func (s *Session) connect(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	s.stopReconnectLocked()
	prev := s.active
	s.active = nil
	s.mu.Unlock()

	if prev != nil {
		s.stop(prev)
	}

	port, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.dialer.Name(), err)
	}

	// The read loop outlives ctx.
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		port:   port,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		sends:  make(chan []byte, sendQueueSize),
	}

	s.mu.Lock()
	if s.closed || s.gen != gen || s.active != nil {
		closed := s.closed
		s.mu.Unlock()
		cancel()
		r.closePort()
		if closed {
			return ErrClosed
		}
		return fmt.Errorf("connect to %s superseded", s.dialer.Name())
	}
	s.active = r
	s.mu.Unlock()

	s.extractor.Reset()
	s.buffered.Store(0)

	log.Info().Str("component", "session").Str("port", s.dialer.Name()).Msg("connected")
	s.metrics.Connected()
	s.emit(Event{Type: Connected, Port: s.dialer.Name()})

	go s.writeLoop(r)
	go s.readLoop(r)

	return nil
}

// Disconnect stops the active connection. It is safe to call when idle.
// A requested disconnect never triggers a reconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.stopReconnectLocked()
	r := s.active
	s.active = nil
	s.mu.Unlock()

	if r != nil {
		s.stop(r)
	}
}

// Close disconnects and cancels any pending reconnect. The session cannot
// be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Disconnect()
	return nil
}

// stop terminates r and waits for its read loop to exit.
func (s *Session) stop(r *run) {
	r.userStop.Store(true)
	r.cancel()
	r.closePort()
	<-r.done
}

func (s *Session) readLoop(r *run) {
	var cause error

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("component", "session").Interface("panic", rec).Msg("panic in read loop")
			cause = fmt.Errorf("read loop panic: %v", rec)
		}
		s.finish(r, cause)
	}()

	for {
		n, err := r.port.Read(s.buf)
		if n > 0 {
			s.handleChunk(s.buf[:n])
		}

		if err != nil {
			if r.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				cause = err
			}
			return
		}
		if n <= 0 {
			return
		}
	}
}

func (s *Session) handleChunk(chunk []byte) {
	s.metrics.BytesRead(len(chunk))

	s.hookMu.RLock()
	hooks := s.onRaw
	s.hookMu.RUnlock()
	if len(hooks) > 0 {
		raw := make([]byte, len(chunk))
		copy(raw, chunk)
		for _, hook := range hooks {
			hook(raw)
		}
	}

	for _, rec := range s.extractor.Feed(chunk) {
		s.metrics.FrameDecoded()
		smp := s.filter.Filter(sample.Convert(rec))
		s.sink.Push(smp)
	}
	s.buffered.Store(int64(s.extractor.Buffered()))
}

// Buffered returns the size of the incomplete frame held after the last read.
func (s *Session) Buffered() int {
	return int(s.buffered.Load())
}

// finish releases r and emits its single Disconnected event.
func (s *Session) finish(r *run, cause error) {
	r.cancel()
	r.closePort()

	reason := metrics.ReasonEOF
	switch {
	case r.userStop.Load():
		reason = metrics.ReasonUser
		cause = nil
	case cause != nil:
		reason = metrics.ReasonError
	}

	s.mu.Lock()
	if s.active == r {
		s.active = nil
	}
	if reason != metrics.ReasonUser && s.autoReconnect && !s.closed {
		s.scheduleReconnectLocked(s.gen)
	}
	s.mu.Unlock()

	logEvent := log.Info()
	if cause != nil {
		logEvent = log.Warn().Err(cause)
	}
	logEvent.Str("component", "session").Str("port", s.dialer.Name()).Str("reason", reason).Msg("disconnected")

	s.metrics.Disconnected(reason)
	s.emit(Event{Type: Disconnected, Port: s.dialer.Name(), Err: cause})

	close(r.done)
}

// scheduleReconnectLocked arms the reconnect timer. The attempt is skipped
// if a connect or disconnect happened in the meantime.
func (s *Session) scheduleReconnectLocked(gen uint64) {
	s.stopReconnectLocked()

	log.Info().Str("component", "session").Dur("delay", s.cfg.ReconnectDelay).Msg("scheduling reconnect")
	s.reconnect = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		stale := s.closed || s.gen != gen || s.active != nil
		s.mu.Unlock()
		if stale {
			return
		}

		if err := s.connect(context.Background(), gen); err != nil {
			log.Warn().Str("component", "session").Err(err).Msg("reconnect failed")

			s.mu.Lock()
			if !s.closed && s.gen == gen && s.active == nil && s.autoReconnect {
				s.scheduleReconnectLocked(gen)
			}
			s.mu.Unlock()
		}
	})
}

func (s *Session) stopReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Session) emit(ev Event) {
	s.hookMu.RLock()
	hooks := s.onEvent
	s.hookMu.RUnlock()

	for _, hook := range hooks {
		hook(ev)
	}
}

// writeLoop performs the queued writes of r in order.
func (s *Session) writeLoop(r *run) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case data := <-r.sends:
			if _, err := r.port.Write(data); err != nil {
				log.Warn().Str("component", "session").Err(err).Msg("write failed")
			}
		}
	}
}

// Send queues raw bytes for writing. Write failures are logged and not
// reported; only the absence of a connection is.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()

	if r == nil {
		return ErrNotConnected
	}
	if len(data) == 0 {
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case r.sends <- buf:
	default:
		log.Warn().Str("component", "session").Int("len", len(buf)).Msg("send queue full, dropping write")
	}
	return nil
}

// SendText sends s as a newline-terminated line. Blank text is ignored.
func (s *Session) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.Send(command.Text(text))
}

// SendCommand sends one of the quick commands.
func (s *Session) SendCommand(name string) error {
	return s.SendText(name)
}

// SendHex validates and sends hex pairs such as "01 0A FF". Nothing is sent
// when validation fails.
func (s *Session) SendHex(text string) error {
	data, err := command.ParseHex(text)
	if err != nil {
		return err
	}
	return s.Send(data)
}
