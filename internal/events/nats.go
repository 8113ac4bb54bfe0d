package events

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix is the root of every mirrored notification subject.
// Full subjects take the form "dialectd.events.<type>", e.g.
// "dialectd.events.pattern.discovered".
const SubjectPrefix = "dialectd.events"

// Mirror republishes every bus notification onto NATS for
// out-of-process observers. It consumes its own bus subscription, so a
// slow or disconnected NATS server never blocks producers.
type Mirror struct {
	nc     *nats.Conn
	logger *zap.Logger
	stop   func()
	done   chan struct{}
}

// NewMirror subscribes to the bus and starts forwarding notifications
// to NATS. Call Close to stop forwarding.
func NewMirror(bus *Bus, nc *nats.Conn, logger *zap.Logger) *Mirror {
	ch, unsubscribe := bus.Subscribe()
	m := &Mirror{
		nc:     nc,
		logger: logger,
		stop:   unsubscribe,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(m.done)
		for n := range ch {
			m.forward(n)
		}
	}()

	return m
}

func (m *Mirror) forward(n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		m.logger.Error("failed to encode notification", zap.Error(err))
		return
	}
	subject := SubjectPrefix + "." + string(n.Type)
	if err := m.nc.Publish(subject, payload); err != nil {
		m.logger.Warn("failed to publish notification",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close stops forwarding and waits for the mirror goroutine to drain.
func (m *Mirror) Close() {
	m.stop()
	<-m.done
}
