package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/aaronwang/live-auction/internal/logging"
	"github.com/aaronwang/live-auction/internal/metrics"
	"github.com/aaronwang/live-auction/internal/models"
)

// DispatcherConfig tunes delivery
type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
}

// Dispatcher delivers events to hub subscribers from queues so callers never
// wait on connections. Each topic is pinned to one worker, which keeps events of
// the same auction in publish order. A subscriber whose buffer stays full after MaxAttempts is
// evicted; it reconnects and re-reads state like any client that missed events.
type Dispatcher struct {
	hub     *Hub
	cfg     DispatcherConfig
	queues  []chan models.Event
	logger  zerolog.Logger
	metrics *metrics.Metrics

	wg   sync.WaitGroup
	once sync.Once
	done chan struct{}
}

// NewDispatcher creates a dispatcher for hub. Call Start before publishing.
func NewDispatcher(hub *Hub, cfg DispatcherConfig, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Millisecond
	}
	queues := make([]chan models.Event, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan models.Event, cfg.QueueSize)
	}
	return &Dispatcher{
		hub:     hub,
		cfg:     cfg,
		queues:  queues,
		logger:  logging.Component(logger, "dispatcher"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutines
func (d *Dispatcher) Start() {
	for _, q := range d.queues {
		d.wg.Add(1)
		go d.worker(q)
	}
}

// Stop drains the queues and waits for the workers
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}

// Publish enqueues ev, waiting for room in the queue until ctx is done
func (d *Dispatcher) Publish(ctx context.Context, ev models.Event) error {
	select {
	case <-d.done:
		return fmt.Errorf("dispatcher stopped, dropping %s", ev.Type)
	default:
	}

	q := d.queues[xxhash.Sum64String(ev.Topic)%uint64(len(d.queues))]
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to enqueue %s: %w", ev.Type, ctx.Err())
	}
}

func (d *Dispatcher) worker(queue <-chan models.Event) {
	defer d.wg.Done()
	for {
		select {
		case ev := <-queue:
			d.deliver(ev)
		case <-d.done:
			// Flush whatever is already queued before exiting.
			for {
				select {
				case ev := <-queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver hands ev to every current subscriber of its topic, retrying full buffers
func (d *Dispatcher) deliver(ev models.Event) {
	pending := d.hub.Subscribers(ev.Topic)
	if len(pending) == 0 {
		return
	}

	payload, err := json.Marshal(Message{Type: string(ev.Type), Payload: ev.Payload})
	if err != nil {
		d.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to marshal event")
		return
	}

	backoff := d.cfg.Backoff
	for attempt := 1; len(pending) > 0; attempt++ {
		var retry []Subscriber
		for _, sub := range pending {
			select {
			case <-sub.Done():
				continue
			default:
			}
			if sub.TrySend(payload) {
				d.metrics.EventsDelivered.WithLabelValues(string(ev.Type)).Inc()
				continue
			}
			retry = append(retry, sub)
		}
		if len(retry) == 0 {
			return
		}
		if attempt >= d.cfg.MaxAttempts {
			for _, sub := range retry {
				d.logger.Warn().
					Str("subscriber", sub.ID()).
					Str("event", string(ev.Type)).
					Msg("subscriber too slow, evicting")
				d.hub.Remove(sub)
				sub.Close()
				d.metrics.Evictions.Inc()
			}
			return
		}

		d.metrics.DeliveryRetries.Add(float64(len(retry)))
		time.Sleep(backoff)
		backoff *= 2
		pending = retry
	}
}
