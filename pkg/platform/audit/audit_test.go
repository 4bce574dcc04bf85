package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/pkg/platform/storage"

	_ "modernc.org/sqlite"
)

func TestSQLRecorderRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	rec := NewSQLRecorder(db)
	require.NoError(t, rec.Record(ctx, Event{TenantID: "t1", Actor: "tool-1", Action: "lti.launch", Outcome: "replayed_nonce"}))
	require.NoError(t, rec.Record(ctx, Event{TenantID: "t1", Actor: "tool-1", Action: "ags.score", Outcome: "ok",
		Target: "a1", Detail: map[string]any{"user_id": "u1"}}))
	require.NoError(t, rec.Record(ctx, Event{TenantID: "t2", Actor: "tool-9", Action: "lti.launch", Outcome: "ok"}))

	events, err := rec.List(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ags.score", events[0].Action)
	assert.Equal(t, "u1", events[0].Detail["user_id"])
	assert.Equal(t, "replayed_nonce", events[1].Outcome)
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(context.Context, Event) error {
	f.calls++
	return errors.New("db down")
}

func TestEmitSwallowsErrors(t *testing.T) {
	f := &failingRecorder{}
	Emit(context.Background(), f, nil, Event{Action: "x"})
	assert.Equal(t, 1, f.calls)
	Emit(context.Background(), nil, nil, Event{Action: "x"})
}
