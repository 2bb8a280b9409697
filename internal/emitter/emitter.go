// Package emitter publishes recorder events (frame written, run status) to
// an MQTT broker. Frame payloads are never sent.
package emitter

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/persist"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
)

const (
	defaultTopicPrefix = "sensor-recorder"
	defaultBuffer      = 64
	closeTimeout       = 2 * time.Second
)

// Event types.
const (
	TypeFrameWritten = "frame_written"
	TypeStatus       = "status"
)

// Event is the msgpack-encoded message body.
type Event struct {
	ID        string `msgpack:"id"`
	Type      string `msgpack:"type"`
	RunID     string `msgpack:"run_id"`
	Timestamp int64  `msgpack:"ts"`

	Seq        uint64 `msgpack:"seq,omitempty"`
	Name       string `msgpack:"name,omitempty"`
	Size       int    `msgpack:"size,omitempty"`
	CapturedAt int64  `msgpack:"captured_at,omitempty"`
	WriteNanos int64  `msgpack:"write_ns,omitempty"`
	Pulses     uint64 `msgpack:"pulses,omitempty"`
	Clock      uint64 `msgpack:"clock,omitempty"`
	TraceID    string `msgpack:"trace_id,omitempty"`

	Status *stats.Snapshot `msgpack:"status,omitempty"`
}

// publisher is the slice of the MQTT client the emitter needs.
type publisher interface {
	Publish(topic string, qos byte, payload []byte) error
	Disconnect()
}

// Config selects broker and topics.
type Config struct {
	Broker      string // host:port
	ClientID    string
	TopicPrefix string // default "sensor-recorder"
	QoS         byte
	Buffer      int // pending events before drops (default 64)
}

// Stats reports delivery outcomes.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// Emitter queues events without blocking the caller and publishes them on
// its own goroutine. A full buffer drops the newest event.
type Emitter struct {
	pub    publisher
	cfg    Config
	runID  string
	logger *slog.Logger

	events  chan Event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

func newEmitter(pub publisher, cfg Config, runID string, logger *slog.Logger) *Emitter {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		pub:     pub,
		cfg:     cfg,
		runID:   runID,
		logger:  logger.With("component", "emitter"),
		events:  make(chan Event, cfg.Buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go e.run()
	return e
}

// FrameTopic is where frame events go.
func (e *Emitter) FrameTopic() string {
	return fmt.Sprintf("%s/%s/frames", e.cfg.TopicPrefix, e.runID)
}

// StatusTopic is where run status goes.
func (e *Emitter) StatusTopic() string {
	return fmt.Sprintf("%s/%s/status", e.cfg.TopicPrefix, e.runID)
}

// Record implements persist.Recorder.
func (e *Emitter) Record(r persist.Record) {
	e.enqueue(Event{
		Type:       TypeFrameWritten,
		Seq:        r.Seq,
		Name:       r.Name,
		Size:       r.Size,
		CapturedAt: r.CapturedAt.UnixNano(),
		WriteNanos: r.WriteDuration.Nanoseconds(),
		Pulses:     r.Tags.Pulses,
		Clock:      r.Tags.Clock,
		TraceID:    r.TraceID,
	})
}

// PublishStatus queues a status event carrying snap.
func (e *Emitter) PublishStatus(snap stats.Snapshot) {
	e.enqueue(Event{Type: TypeStatus, Status: &snap})
}

func (e *Emitter) enqueue(ev Event) {
	ev.ID = uuid.NewString()
	ev.RunID = e.runID
	ev.Timestamp = time.Now().UnixNano()

	select {
	case <-e.done:
		e.dropped.Add(1)
		return
	default:
	}

	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
		e.logger.Debug("emitter: buffer full, event dropped", "type", ev.Type, "seq", ev.Seq)
	}
}

func (e *Emitter) run() {
	defer close(e.stopped)
	for {
		select {
		case ev := <-e.events:
			e.publish(ev)
		case <-e.done:
			// Flush what is already queued.
			for {
				select {
				case ev := <-e.events:
					e.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) publish(ev Event) {
	topic := e.FrameTopic()
	if ev.Type == TypeStatus {
		topic = e.StatusTopic()
	}

	payload, err := msgpack.Marshal(&ev)
	if err != nil {
		e.errors.Add(1)
		e.logger.Warn("emitter: encode failed", "type", ev.Type, "error", err)
		return
	}
	if err := e.pub.Publish(topic, e.cfg.QoS, payload); err != nil {
		e.errors.Add(1)
		e.logger.Warn("emitter: publish failed", "topic", topic, "error", err)
		return
	}
	e.published.Add(1)
}

// Stats returns delivery counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Errors:    e.errors.Load(),
	}
}

// Close flushes queued events and disconnects.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.done)
		select {
		case <-e.stopped:
		case <-time.After(closeTimeout):
			e.logger.Warn("emitter: flush timed out", "pending", len(e.events))
		}
		e.pub.Disconnect()
		e.logger.Info("emitter: closed",
			"published", e.published.Load(),
			"dropped", e.dropped.Load(),
			"errors", e.errors.Load(),
		)
	})
}

// Decode unpacks an event body.
func Decode(payload []byte) (Event, error) {
	var ev Event
	err := msgpack.Unmarshal(payload, &ev)
	return ev, err
}
