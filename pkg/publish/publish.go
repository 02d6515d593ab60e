// Package publish forwards drained samples to NATS.
package publish

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/itohio/gocgm/pkg/sample"
)

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "cgm.samples"

// Conn is the subset of *nats.Conn used by the publisher.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

var _ Conn = (*nats.Conn)(nil)

// Connect dials a NATS server. The connection retries forever in the
// background once established.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("gocgm"),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Str("component", "nats").Err(err).Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("component", "nats").Str("url", c.ConnectedUrl()).Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", url, err)
	}
	return nc, nil
}

// Publisher publishes every sample as a JSON message.
type Publisher struct {
	conn    Conn
	subject string

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a publisher on subject.
func New(conn Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject}
}

// Publish sends each sample of batch. Failures are logged and counted;
// publishing never blocks the drain.
func (p *Publisher) Publish(batch []sample.Sample) {
	for _, s := range batch {
		data, err := json.Marshal(s)
		if err != nil {
			p.fail(err)
			continue
		}
		if err := p.conn.Publish(p.subject, data); err != nil {
			p.fail(err)
			continue
		}
		p.published.Add(1)
	}
}

func (p *Publisher) fail(err error) {
	// Warn on the first failure and then every hundredth
	if n := p.failed.Add(1); n%100 == 1 {
		log.Warn().Str("component", "nats").Str("subject", p.subject).Uint64("failures", n).Err(err).Msg("publish failed")
	}
}

// Published returns the number of samples published.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Failed returns the number of samples that could not be published.
func (p *Publisher) Failed() uint64 {
	return p.failed.Load()
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
