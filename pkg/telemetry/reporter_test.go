package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceIDIsDoubleHashed(t *testing.T) {
	id := InstanceID("workstation-1")
	assert.Len(t, id, 64)
	assert.Equal(t, id, InstanceID("workstation-1"))
	assert.NotEqual(t, id, InstanceID("workstation-2"))
	// Must not equal a single-pass hash of the seed.
	single := sha256.Sum256([]byte("workstation-1"))
	assert.NotEqual(t, hex.EncodeToString(single[:]), id)
}

func TestDisabledReporterDropsEverything(t *testing.T) {
	r := NewReporter(false, "http://example.invalid", "", 2, time.Minute)
	r.Start()
	for i := 0; i < 10; i++ {
		r.Record(Event{Kind: "op.completed"})
	}
	assert.Zero(t, r.Pending())
	r.Stop()
}

func TestBatchFlushOnSize(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewReporter(true, srv.URL, "", 3, time.Hour)
	for i := 0; i < 3; i++ {
		r.Record(Event{Kind: "op.completed", Fields: map[string]any{"latency_ms": 12}})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	events := bodies[0]["events"].([]any)
	assert.Len(t, events, 3)
	id, _ := bodies[0]["instance_id"].(string)
	assert.Len(t, id, 64)
	assert.Zero(t, r.Pending())
}

func TestStopFlushesRemainder(t *testing.T) {
	var (
		mu    sync.Mutex
		total int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Events []Event `json:"events"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		mu.Lock()
		total += len(body.Events)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	r := NewReporter(true, srv.URL, "", 100, time.Hour)
	r.Start()
	r.Record(Event{Kind: "session.created"})
	r.Record(Event{Kind: "op.completed"})
	r.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, total)
}

func TestMissingEndpointDropsBatch(t *testing.T) {
	r := NewReporter(true, "", "", 2, time.Hour)
	r.Record(Event{Kind: "a"})
	r.Record(Event{Kind: "b"})
	assert.Eventually(t, func() bool { return r.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPersistentInstanceIDIsStable(t *testing.T) {
	dir := t.TempDir()
	first, err := PersistentInstanceID(dir)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := PersistentInstanceID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHeartbeatSample(t *testing.T) {
	h := NewHeartbeat(nil, time.Minute)
	b1 := h.Sample()
	b2 := h.Sample()
	assert.Equal(t, b1.Seq+1, b2.Seq)
	assert.NotZero(t, b1.PID)
}
