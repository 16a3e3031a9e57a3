package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerKey(t *testing.T) {
	assert.Equal(t, "registry:worker:w1", workerKey("w1"))
}

func TestNew_StoresDeadAfter(t *testing.T) {
	r := New(nil, 30*time.Second)
	assert.NotNil(t, r)
	assert.Nil(t, r.client)
	assert.Equal(t, 30*time.Second, r.deadAfter)
}

func TestWorkerStatus_Constants(t *testing.T) {
	assert.Equal(t, WorkerStatus("active"), WorkerActive)
	assert.Equal(t, WorkerStatus("paused"), WorkerPaused)
	assert.Equal(t, WorkerStatus("drained"), WorkerDrained)
	assert.Equal(t, WorkerStatus("dead"), WorkerDead)
}

func TestErrNotFound_Message(t *testing.T) {
	assert.EqualError(t, ErrNotFound, "registry: worker not found")
}

// Worker records round-trip through JSON exactly as Register/Get/Heartbeat
// marshal and unmarshal them against the Redis string value.
func TestWorker_JSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	w := &Worker{
		ID:              "w1",
		Hostname:        "host-1",
		Status:          WorkerActive,
		Concurrency:     4,
		CurrentLoad:     2,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Version:         "1.2.3",
	}

	data, err := json.Marshal(w)
	require.NoError(t, err)

	var got Worker
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, *w, got)
}
