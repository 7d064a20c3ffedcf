// Package bus publishes accepted attendance events to NATS for
// downstream consumers (reporting, notification fan-out). Delivery is
// best-effort with bounded retry; the durable record is the recorder's.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher wraps a NATS connection. A nil Publisher is a no-op, so callers
// never branch on whether the bus is configured.
type Publisher struct {
	nc       *nats.Conn
	subject  string
	retryMax int
}

// Connect dials NATS. Name shows up in server monitoring.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

func NewPublisher(nc *nats.Conn, subject string, retryMax int) *Publisher {
	if retryMax <= 0 {
		retryMax = 3
	}
	return &Publisher{nc: nc, subject: subject, retryMax: retryMax}
}

// Publish marshals payload and publishes it on subject suffix. Retries are
// immediate-with-pause; after the budget the event is logged and dropped
// here (never the only copy — the recorder owns durability).
func (p *Publisher) Publish(suffix string, payload any) error {
	if p == nil || p.nc == nil {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	subject := p.subject
	if suffix != "" {
		subject = p.subject + "." + suffix
	}

	var lastErr error
	for attempt := 0; attempt < p.retryMax; attempt++ {
		if lastErr = p.nc.Publish(subject, data); lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	log.Printf("[Bus] publish %s failed after %d attempts: %v", subject, p.retryMax, lastErr)
	return lastErr
}
