package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"execution-core/internal/events"
)

// Monitor turns alert-worthy events into AlertSink messages.
type Monitor struct {
	Bus   *events.Bus
	Sinks []AlertSink
	Log   *zap.Logger
}

var alertTopics = []events.Event{
	events.EventAccountAlert,
	events.EventAccountDisabled,
	events.EventBreakerTripped,
}

// Start subscribes and forwards until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Log == nil {
		m.Log = zap.NewNop()
	}
	if m.Bus == nil || len(m.Sinks) == 0 {
		m.Log.Info("monitor not configured, alerts disabled")
		return
	}
	for _, topic := range alertTopics {
		stream, unsub := m.Bus.Subscribe(topic, 64)
		go func() {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-stream:
					if !ok {
						return
					}
					m.dispatch(FormatAlert(env))
				}
			}
		}()
	}
}

func (m *Monitor) dispatch(msg string) {
	for _, s := range m.Sinks {
		if err := s.Send(msg); err != nil {
			m.Log.Warn("alert delivery failed", zap.Error(err))
		}
	}
}

// FormatAlert renders an envelope as a single line.
func FormatAlert(env events.Envelope) string {
	return fmt.Sprintf("[%s] %s account=%s exchange=%s: %v",
		env.Time.UTC().Format("2006-01-02T15:04:05Z07:00"), env.Topic, env.Account, env.Exchange, env.Payload)
}
