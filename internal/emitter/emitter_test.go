package emitter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/persist"
	"github.com/e7canasta/orion-care-sensor/modules/sensor-recorder/internal/stats"
)

type message struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu           sync.Mutex
	msgs         []message
	gate         chan struct{} // when set, Publish waits on it
	fail         bool
	disconnected bool
}

func (p *fakePublisher) Publish(topic string, _ byte, payload []byte) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("not connected")
	}
	p.msgs = append(p.msgs, message{topic, payload})
	return nil
}

func (p *fakePublisher) Disconnect() {
	p.mu.Lock()
	p.disconnected = true
	p.mu.Unlock()
}

func (p *fakePublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

func TestEmitter_FrameAndStatusEvents(t *testing.T) {
	pub := &fakePublisher{}
	e := newEmitter(pub, Config{}, "run-7", nil)

	e.Record(persist.Record{
		Seq:           3,
		Name:          "frame_000003_p1_c4.raw",
		Size:          2048,
		CapturedAt:    time.Unix(100, 0),
		WriteDuration: 5 * time.Millisecond,
		Tags:          frame.Tags{Pulses: 1, Clock: 4},
		TraceID:       "abc",
	})
	e.PublishStatus(stats.Snapshot{Captured: 4, Written: 3})
	e.Close()

	msgs := pub.messages()
	require.Len(t, msgs, 2)
	assert.True(t, pub.disconnected)

	assert.Equal(t, "sensor-recorder/run-7/frames", msgs[0].topic)
	ev, err := Decode(msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, TypeFrameWritten, ev.Type)
	assert.Equal(t, "run-7", ev.RunID)
	assert.Equal(t, uint64(3), ev.Seq)
	assert.Equal(t, 2048, ev.Size)
	assert.Equal(t, uint64(4), ev.Clock)
	assert.Equal(t, int64(5*time.Millisecond), ev.WriteNanos)
	assert.NotEmpty(t, ev.ID)

	assert.Equal(t, "sensor-recorder/run-7/status", msgs[1].topic)
	st, err := Decode(msgs[1].payload)
	require.NoError(t, err)
	require.NotNil(t, st.Status)
	assert.Equal(t, uint64(3), st.Status.Written)

	assert.Equal(t, Stats{Published: 2}, e.Stats())
}

// TestEmitter_NeverBlocksCaller fills the buffer while the broker is stalled
// and checks the caller returns immediately with the excess dropped.
func TestEmitter_NeverBlocksCaller(t *testing.T) {
	pub := &fakePublisher{gate: make(chan struct{})}
	e := newEmitter(pub, Config{Buffer: 2}, "run", nil)

	start := time.Now()
	for i := 0; i < 10; i++ {
		e.Record(persist.Record{Seq: uint64(i)})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(pub.gate)
	e.Close()

	s := e.Stats()
	assert.Equal(t, uint64(10), s.Published+s.Dropped)
	assert.GreaterOrEqual(t, s.Dropped, uint64(7))
}

func TestEmitter_PublishErrorsCounted(t *testing.T) {
	pub := &fakePublisher{fail: true}
	e := newEmitter(pub, Config{TopicPrefix: "lab"}, "r", nil)
	e.Record(persist.Record{Seq: 1})
	e.Close()

	assert.Equal(t, uint64(1), e.Stats().Errors)
	assert.Equal(t, "lab/r/frames", e.FrameTopic())
}

func TestEmitter_EventsAfterCloseDropped(t *testing.T) {
	pub := &fakePublisher{}
	e := newEmitter(pub, Config{}, "r", nil)
	e.Close()
	e.Close()

	e.Record(persist.Record{Seq: 1})
	assert.Equal(t, uint64(1), e.Stats().Dropped)
	assert.Empty(t, pub.messages())
}
