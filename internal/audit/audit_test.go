package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogSink_LockTransition(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	prev := false
	sink.Record(context.Background(), Event{
		ID:             "evt-1",
		Kind:           KindLockTransition,
		At:             time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
		Actor:          "system",
		Action:         "auto_lock",
		Target:         "ord-1",
		PreviousLocked: &prev,
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "audit", rec["msg"])
	assert.Equal(t, "lock_transition", rec["kind"])
	assert.Equal(t, "system", rec["actor"])
	assert.Equal(t, "auto_lock", rec["action"])
	assert.Equal(t, "ord-1", rec["target"])
	assert.Equal(t, false, rec["previous_locked"])
	assert.NotContains(t, rec, "collection")
}

func TestSlogSink_ReconcileCounts(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Record(context.Background(), Event{
		Kind:       KindReconcile,
		Collection: "orders",
		Direction:  "to_secondary",
		Counts:     &Counts{Source: 3, Present: 1, Missing: 2, Inserted: 2},
	})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	counts, ok := rec["counts"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), counts["inserted"])
	assert.Equal(t, float64(3), counts["source"])
}

func TestSlogSink_DivergenceIsWarn(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Record(context.Background(), Event{Kind: KindCommitDivergence, Detail: "secondary commit failed"})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
}

func TestRecorder_ConcurrentRecord(t *testing.T) {
	r := &Recorder{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(context.Background(), Event{Kind: KindLockTransition})
		}()
	}
	wg.Wait()
	assert.Len(t, r.Events(), 50)
}

func TestRecorder_ByKind(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	r.Record(ctx, Event{Kind: KindLockTransition, Target: "a"})
	r.Record(ctx, Event{Kind: KindReconcile, Collection: "orders"})
	r.Record(ctx, Event{Kind: KindLockTransition, Target: "b"})

	locks := r.ByKind(KindLockTransition)
	require.Len(t, locks, 2)
	assert.Equal(t, "a", locks[0].Target)
	assert.Equal(t, "b", locks[1].Target)
	assert.Empty(t, r.ByKind(KindCommitDivergence))
}

func TestMulti_FansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, nil, b, Discard{}}
	m.Record(context.Background(), Event{Kind: KindReconcile})

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestUUIDv7Generator(t *testing.T) {
	gen := UUIDv7Generator{}
	first := gen.Generate()
	second := gen.Generate()

	u, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), u.Version())
	assert.NotEqual(t, first, second)
	assert.Less(t, first, second, "UUIDv7 values sort by creation time")
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestSequenceGenerator(t *testing.T) {
	gen := NewSequenceGenerator("audit")
	assert.Equal(t, "audit-1", gen.Generate())
	assert.Equal(t, "audit-2", gen.Generate())

	assert.Equal(t, "id-1", NewSequenceGenerator("").Generate())
}

func TestSequenceGenerator_Concurrent(t *testing.T) {
	gen := NewSequenceGenerator("x")
	seen := sync.Map{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup := seen.LoadOrStore(gen.Generate(), true)
			assert.False(t, dup)
		}()
	}
	wg.Wait()
}
