package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_JobAssign(t *testing.T) {
	lease := time.Date(2026, 2, 1, 0, 0, 30, 0, time.UTC)
	raw, err := Encode(JobAssign{JobID: "j1", JobType: "workflow", Payload: []byte(`{"steps":[]}`), Priority: 10, TimeoutSeconds: 60, LeaseExpiresAt: lease})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, TypeJobAssign, env.Type)

	m, err := Decode(raw)
	require.NoError(t, err)
	got, ok := m.(*JobAssign)
	require.True(t, ok, "got %T", m)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, []byte(`{"steps":[]}`), got.Payload)
	assert.True(t, got.LeaseExpiresAt.Equal(lease))
}

func TestEncode_RejectsInvalidMessages(t *testing.T) {
	_, err := Encode(Heartbeat{WorkerID: "w1", Status: "SLEEPING", Timestamp: time.Now()})
	assert.Error(t, err)

	_, err = Encode(JobStatus{JobID: "j", Status: "RUNNING", Progress: 1.5, Timestamp: time.Now()})
	assert.Error(t, err)

	_, err = Encode(JobAssign{JobID: "j", Priority: 21})
	assert.Error(t, err)
}

func TestDecode_Errors(t *testing.T) {
	var invalid *InvalidMessageError
	_, err := Decode([]byte(`not json`))
	assert.ErrorAs(t, err, &invalid)

	_, err = Decode([]byte(`{"type":"job_cancel","data":{"reason":"no id"}}`))
	require.ErrorAs(t, err, &invalid, "validation runs on decode too")
	assert.Equal(t, TypeJobCancel, invalid.Type)

	_, err = Decode([]byte(`{"type":"telemetry_v2","data":{}}`))
	var unknown *UnknownTypeError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, Type("telemetry_v2"), unknown.Type)
}

func TestRouter_DispatchesByType(t *testing.T) {
	r := NewRouter(nil)
	var beats []Heartbeat
	var cancels []JobCancel
	Handle(r, func(_ context.Context, hb Heartbeat) error { beats = append(beats, hb); return nil })
	Handle(r, func(_ context.Context, c JobCancel) error { cancels = append(cancels, c); return nil })

	hb, err := Encode(Heartbeat{WorkerID: "w1", Status: "BUSY", Timestamp: time.Now(), Capacity: 4, CurrentJobIDs: []string{"a"}})
	require.NoError(t, err)
	cancel, err := Encode(JobCancel{JobID: "a", Reason: "operator"})
	require.NoError(t, err)

	require.NoError(t, r.Dispatch(context.Background(), hb))
	require.NoError(t, r.Dispatch(context.Background(), cancel))

	require.Len(t, beats, 1)
	assert.Equal(t, 4, beats[0].Capacity)
	assert.Equal(t, []string{"a"}, beats[0].CurrentJobIDs)
	require.Len(t, cancels, 1)
	assert.Equal(t, "operator", cancels[0].Reason)
}

func TestRouter_IgnoresUnknownAndUnhandledTypes(t *testing.T) {
	r := NewRouter(nil)
	assert.NoError(t, r.Dispatch(context.Background(), []byte(`{"type":"future_thing","data":{"x":1}}`)))

	ping, err := Encode(Ping{Timestamp: time.Now()})
	require.NoError(t, err)
	assert.NoError(t, r.Dispatch(context.Background(), ping), "no handler registered for ping")
}

func TestRouter_PropagatesHandlerError(t *testing.T) {
	r := NewRouter(nil)
	boom := errors.New("boom")
	Handle(r, func(context.Context, Ping) error { return boom })

	ping, err := Encode(Ping{Timestamp: time.Now()})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Dispatch(context.Background(), ping), boom)
}
