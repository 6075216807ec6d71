package worker

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStatsCollector(t *testing.T) {
	c := NewStatsCollector()

	c.RecordReceived()
	c.RecordHandled(10 * time.Millisecond)
	c.RecordReceived()
	c.RecordHandled(30 * time.Millisecond)
	c.RecordError(errors.New("oops"))

	s := c.Stats()
	assert.EqualValues(t, 2, s.EventsReceived)
	assert.EqualValues(t, 2, s.EventsHandled)
	assert.EqualValues(t, 1, s.Errors)
	assert.Equal(t, 20*time.Millisecond, s.AverageLatency)
	assert.Equal(t, 30*time.Millisecond, s.MaxLatency)
	assert.EqualError(t, s.LastError, "oops")

	c.Reset()
	assert.Zero(t, c.Stats().EventsReceived)
}

func TestWorkerStatsCountsDispatch(t *testing.T) {
	sys := newTestSystem(t)

	w := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		w.WaitEvent("last")
		return nil, nil
	}).Start()
	w.Fire("a", nil).Fire("b", nil).Fire("last", nil)
	w.Join()

	assert.EqualValues(t, 3, w.Stats().EventsReceived)
	assert.EqualValues(t, 3, w.Stats().EventsHandled)
}
