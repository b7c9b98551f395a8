package execlog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureHandler struct {
	mu   sync.Mutex
	recs []Record
}

func (c *captureHandler) Handle(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureHandler) records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.recs))
	copy(out, c.recs)
	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" Warning "))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
}

func TestEmitFiltersBelowMinimum(t *testing.T) {
	h := &captureHandler{}
	l := New(LevelInfo, true)
	l.AddHandler(h)

	l.Emit(Record{Level: LevelDebug, Message: "hidden"})
	l.Emit(Record{Level: LevelInfo, Message: "shown"})

	recs := h.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "shown", recs[0].Message)
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestEmitDropsContextWhenDisabled(t *testing.T) {
	h := &captureHandler{}
	l := New(LevelInfo, false)
	l.AddHandler(h)

	l.Emit(Record{Level: LevelInfo, Message: "m", Context: map[string]any{"k": "v"}})

	recs := h.records()
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0].Context)
}

func TestRedactionCoversMessageAndNestedContext(t *testing.T) {
	h := &captureHandler{}
	l := New(LevelInfo, true)
	l.AddHandler(h)
	l.RegisterSecret("hunter2", "")

	l.Emit(Record{
		Level:   LevelInfo,
		Message: "token hunter2 sent",
		Context: map[string]any{
			"header": "Bearer hunter2",
			"nested": map[string]any{"values": []any{"hunter2", 42}},
		},
	})

	recs := h.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "token *** sent", recs[0].Message)
	assert.Equal(t, "Bearer ***", recs[0].Context["header"])
	nested := recs[0].Context["nested"].(map[string]any)
	assert.Equal(t, []any{Redacted, 42}, nested["values"])
}

func TestRemoveHandler(t *testing.T) {
	h := &captureHandler{}
	l := New(LevelInfo, true)
	l.AddHandler(h)
	l.RemoveHandler(h)

	l.Emit(Record{Level: LevelError, Message: "after removal"})
	assert.Empty(t, h.records())
}

func TestAddHandlerIgnoresNil(t *testing.T) {
	l := New(LevelInfo, true)
	l.AddHandler(nil)
	assert.NotPanics(t, func() {
		l.Emit(Record{Level: LevelInfo, Message: "m"})
	})
}
