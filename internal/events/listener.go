package events

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/events"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
	kvmetrics "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/metrics"
)

// MetricsEventListener drains a ChannelEventBus, logging each event and
// counting them by type in Prometheus. Run it in its own goroutine; it exits
// when the bus closes or the context is cancelled.
type MetricsEventListener struct {
	bus    *ChannelEventBus
	log    kvlog.Logger
	events *prometheus.CounterVec
}

// NewMetricsEventListener creates a listener over the given bus. The counter
// is registered with the provider's registry when one is supplied.
func NewMetricsEventListener(bus *ChannelEventBus, provider kvmetrics.RegistryProvider, log kvlog.Logger) *MetricsEventListener {
	l := &MetricsEventListener{
		bus: bus,
		log: log.With("component", "MetricsEventListener"),
	}
	if provider != nil {
		if reg := provider.Registry(); reg != nil {
			l.events = prometheus.NewCounterVec(
				prometheus.CounterOpts{Name: "kvsync_events_total", Help: "Store events observed, by type."},
				[]string{"type"},
			)
			if err := reg.Register(l.events); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					l.log.Warnf("Failed to register event counter: %v", err)
					l.events = nil
				}
			}
		}
	}
	return l
}

// Start consumes events until the bus closes or ctx is cancelled.
func (l *MetricsEventListener) Start(ctx context.Context) {
	ch := l.bus.GetChannel()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if l.events != nil {
				l.events.WithLabelValues(string(ev.Type)).Inc()
			}
			l.logEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (l *MetricsEventListener) logEvent(ev events.Event) {
	switch ev.Type {
	case events.RoundClosed, events.BarrierReleased, events.CommandExecuted:
		l.log.Infof("Event %s key=%d rank=%d payload=%v", ev.Type, ev.Key, ev.Rank, ev.Payload)
	default:
		l.log.Debugf("Event %s key=%d rank=%d", ev.Type, ev.Key, ev.Rank)
	}
}
