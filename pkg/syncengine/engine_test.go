package syncengine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/chain"
	"github.com/helix-runtime/helixd/pkg/config"
	"github.com/helix-runtime/helixd/pkg/models"
	"github.com/helix-runtime/helixd/pkg/sessions"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []Message
	fetchable map[string]*models.Session
	inbox     chan Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		fetchable: make(map[string]*models.Session),
		inbox:     make(chan Message, 16),
	}
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-f.inbox:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (f *fakeTransport) FetchSession(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.fetchable[id]; ok {
		return s.Clone(), nil
	}
	return nil, assert.AnError
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sentMessages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestEngine(t *testing.T, transport Transport, connected bool) (*Engine, *sessions.Store) {
	t.Helper()
	store := sessions.NewStore(nil)
	queue, err := NewOfflineQueue(filepath.Join(t.TempDir(), "offline-queue"))
	require.NoError(t, err)
	e := New("device-a", "tok", store, queue, transport, nil, config.SyncConfig{})
	e.connected.Store(connected)
	t.Cleanup(e.Stop)
	return e, store
}

func messageDelta(sessionID, entityID, content string, ts time.Time) models.Delta {
	return models.Delta{
		EntityKind: "message",
		EntityID:   entityID,
		SessionID:  sessionID,
		Op:         models.DeltaInsert,
		ChangedFields: map[string]any{
			"role":    "user",
			"content": content,
		},
		Timestamp: ts,
	}
}

func TestApplyLocalQueuesWhileOffline(t *testing.T) {
	e, store := newTestEngine(t, newFakeTransport(), false)
	sess, err := store.Create(context.Background(), "user-1", models.OriginLocal)
	require.NoError(t, err)

	base := time.Now().UTC()
	for i, content := range []string{"m1", "m2", "m3"} {
		d := messageDelta(sess.ID, content+"-id", content, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, e.ApplyLocal(context.Background(), d))
	}

	pending, err := e.queue.Pending(sess.ID)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "m1", pending[0].Delta.ChangedFields["content"])
	assert.Equal(t, "m2", pending[1].Delta.ChangedFields["content"])
	assert.Equal(t, "m3", pending[2].Delta.ChangedFields["content"])

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)
	assert.Equal(t, 3, got.SyncState.PendingChanges)
	assert.Equal(t, 3, got.SyncState.LocalVersion)
	// Each local change bumps this device's clock component.
	assert.Equal(t, uint64(3), pending[2].Delta.VectorClock["device-a"])
}

func TestDrainQueuesReplaysFIFOAndClears(t *testing.T) {
	ft := newFakeTransport()
	e, store := newTestEngine(t, ft, false)
	sess, err := store.Create(context.Background(), "user-1", models.OriginLocal)
	require.NoError(t, err)

	base := time.Now().UTC()
	var first models.Delta
	for i, content := range []string{"m1", "m2", "m3"} {
		d := messageDelta(sess.ID, content+"-id", content, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, e.ApplyLocal(context.Background(), d))
		if i == 0 {
			pending, _ := e.queue.Pending(sess.ID)
			first = pending[0].Delta
		}
	}
	// A duplicate of the first change, as a crashed drain would leave behind.
	require.NoError(t, e.queue.Enqueue(first))

	e.connected.Store(true)
	e.DrainQueues(context.Background())

	sent := ft.sentMessages()
	require.Len(t, sent, 3, "duplicate must be suppressed on drain")
	assert.Equal(t, "m1", sent[0].Delta.ChangedFields["content"])
	assert.Equal(t, "m2", sent[1].Delta.ChangedFields["content"])
	assert.Equal(t, "m3", sent[2].Delta.ChangedFields["content"])
	assert.Zero(t, e.queue.Len(sess.ID))
}

func TestRemoteDeltaAppliesAndAcks(t *testing.T) {
	ft := newFakeTransport()
	e, store := newTestEngine(t, ft, true)
	sess, err := store.Create(context.Background(), "user-1", models.OriginLocal)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d := messageDelta(sess.ID, "remote-"+string(rune('a'+i)), "hello", time.Now().UTC())
		d.ID = "delta-" + string(rune('a'+i))
		d.Origin = "device-b"
		d.VectorClock = models.VectorClock{"device-b": uint64(i + 1)}
		e.HandleRemote(context.Background(), Message{Kind: KindSyncDelta, SessionID: sess.ID, Delta: &d})
	}

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)
	assert.Equal(t, 3, got.SyncState.RemoteVersion)
	assert.Zero(t, got.SyncState.PendingChanges)

	var acks int
	for _, m := range ft.sentMessages() {
		if m.Kind == KindSyncAck {
			acks++
		}
	}
	assert.Equal(t, 3, acks)
}

func TestAckClearsPending(t *testing.T) {
	ft := newFakeTransport()
	e, store := newTestEngine(t, ft, true)
	sess, err := store.Create(context.Background(), "user-1", models.OriginLocal)
	require.NoError(t, err)

	require.NoError(t, e.ApplyLocal(context.Background(), messageDelta(sess.ID, "e1", "hi", time.Now().UTC())))

	got, _ := store.Get(sess.ID)
	require.Equal(t, 1, got.SyncState.PendingChanges)

	sent := ft.sentMessages()
	require.Len(t, sent, 1)
	e.HandleRemote(context.Background(), Message{Kind: KindSyncAck, SessionID: sess.ID, AckID: sent[0].Delta.ID})

	got, _ = store.Get(sess.ID)
	assert.Zero(t, got.SyncState.PendingChanges)
}

func TestConcurrentEditCreatesConflict(t *testing.T) {
	ft := newFakeTransport()
	e, store := newTestEngine(t, ft, true)
	sess, err := store.Create(context.Background(), "user-1", models.OriginLocal)
	require.NoError(t, err)

	local := messageDelta(sess.ID, "entity-1", "local text", time.Now().UTC())
	require.NoError(t, e.ApplyLocal(context.Background(), local))

	remote := messageDelta(sess.ID, "entity-1", "remote text", time.Now().UTC())
	remote.ID = "remote-delta"
	remote.Origin = "device-b"
	remote.Op = models.DeltaUpdate
	remote.VectorClock = models.VectorClock{"device-b": 1}
	e.HandleRemote(context.Background(), Message{Kind: KindSyncDelta, SessionID: sess.ID, Delta: &remote})

	conflicts := e.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "entity-1", conflicts[0].EntityID)

	got, _ := store.Get(sess.ID)
	assert.Equal(t, 1, got.SyncState.ConflictCount)
	// Remote delta must not be applied while the conflict is open.
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "local text", got.Messages[0].Content)

	var conflictFrames int
	for _, m := range ft.sentMessages() {
		if m.Kind == KindSyncConflict {
			conflictFrames++
		}
	}
	assert.Equal(t, 1, conflictFrames)
}

func makeConflict(t *testing.T, e *Engine, store *sessions.Store, localText, remoteText string, localTS, remoteTS time.Time) (string, string) {
	t.Helper()
	sess, err := store.Create(context.Background(), "user-1", models.OriginLocal)
	require.NoError(t, err)

	local := messageDelta(sess.ID, "entity-1", localText, localTS)
	require.NoError(t, e.ApplyLocal(context.Background(), local))

	remote := models.Delta{
		ID:            "remote-delta",
		EntityKind:    "message",
		EntityID:      "entity-1",
		SessionID:     sess.ID,
		Op:            models.DeltaUpdate,
		ChangedFields: map[string]any{"content": remoteText},
		VectorClock:   models.VectorClock{"device-b": 1},
		Origin:        "device-b",
		Timestamp:     remoteTS,
	}
	e.HandleRemote(context.Background(), Message{Kind: KindSyncDelta, SessionID: sess.ID, Delta: &remote})

	conflicts := e.Conflicts()
	require.Len(t, conflicts, 1)
	return sess.ID, conflicts[0].ID
}

func TestResolveStrategies(t *testing.T) {
	base := time.Now().UTC()

	t.Run("merge appends both texts, earlier writer first", func(t *testing.T) {
		ft := newFakeTransport()
		e, store := newTestEngine(t, ft, true)
		sessID, conflictID := makeConflict(t, e, store, "local text", "remote text",
			base, base.Add(time.Second))

		require.NoError(t, e.Resolve(context.Background(), conflictID, models.ResolutionMerge))

		got, _ := store.Get(sessID)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "local text\nremote text", got.Messages[0].Content)
		assert.Zero(t, got.SyncState.ConflictCount)
	})

	t.Run("local wins retransmits our delta", func(t *testing.T) {
		ft := newFakeTransport()
		e, store := newTestEngine(t, ft, true)
		sessID, conflictID := makeConflict(t, e, store, "local text", "remote text",
			base, base.Add(time.Second))
		before := len(ft.sentMessages())

		require.NoError(t, e.Resolve(context.Background(), conflictID, models.ResolutionLocalWins))

		got, _ := store.Get(sessID)
		assert.Equal(t, "local text", got.Messages[0].Content)
		sent := ft.sentMessages()
		require.Greater(t, len(sent), before)
		last := sent[len(sent)-1]
		assert.Equal(t, KindSyncChange, last.Kind)
		assert.Equal(t, "local text", last.Delta.ChangedFields["content"])
	})

	t.Run("remote wins applies the peer delta", func(t *testing.T) {
		ft := newFakeTransport()
		e, store := newTestEngine(t, ft, true)
		sessID, conflictID := makeConflict(t, e, store, "local text", "remote text",
			base, base.Add(time.Second))

		require.NoError(t, e.Resolve(context.Background(), conflictID, models.ResolutionRemoteWins))

		got, _ := store.Get(sessID)
		assert.Equal(t, "remote text", got.Messages[0].Content)
		assert.Zero(t, got.SyncState.ConflictCount)
	})

	t.Run("unknown conflict id", func(t *testing.T) {
		e, _ := newTestEngine(t, newFakeTransport(), true)
		err := e.Resolve(context.Background(), "nope", models.ResolutionMerge)
		assert.Error(t, err)
	})
}

func TestTransferFlipsOriginAndChainLogs(t *testing.T) {
	chainStore, err := chain.Open(filepath.Join(t.TempDir(), "hash-chain.log"))
	require.NoError(t, err)
	recorder := audit.NewRecorder(chainStore, nil)

	ft := newFakeTransport()
	store := sessions.NewStore(nil)
	queue, err := NewOfflineQueue(filepath.Join(t.TempDir(), "offline-queue"))
	require.NoError(t, err)
	e := New("device-a", "tok", store, queue, ft, recorder, config.SyncConfig{})
	e.connected.Store(true)
	t.Cleanup(e.Stop)

	sess, err := store.Create(context.Background(), "user-1", models.OriginLocal)
	require.NoError(t, err)
	require.NoError(t, e.ApplyLocal(context.Background(), messageDelta(sess.ID, "e1", "hi", time.Now().UTC())))

	require.NoError(t, e.Transfer(context.Background(), sess.ID, models.OriginMobile))

	got, _ := store.Get(sess.ID)
	assert.Equal(t, models.OriginMobile, got.Origin)
	assert.Equal(t, models.SessionTransferred, got.Status)

	entry, ok := chainStore.Last()
	require.True(t, ok)
	var payload struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(entry.Payload, &payload))
	assert.Equal(t, string(audit.EventSessionXfer), payload.Kind)
}

func TestResumeFetchesCanonicalSession(t *testing.T) {
	ft := newFakeTransport()
	e, store := newTestEngine(t, ft, true)

	canonical := &models.Session{
		ID:     "sess-remote",
		UserID: "user-1",
		Status: models.SessionPaused,
		Origin: models.OriginRemote,
		Messages: []models.SessionMessage{
			{ID: "m1", SessionID: "sess-remote", Role: "user", Content: "hello"},
		},
	}
	ft.mu.Lock()
	ft.fetchable[canonical.ID] = canonical
	ft.mu.Unlock()

	require.NoError(t, e.Resume(context.Background(), "sess-remote"))

	got, err := store.Get("sess-remote")
	require.NoError(t, err)
	assert.Equal(t, models.OriginLocal, got.Origin)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.Len(t, got.Messages, 1)
}

func TestHandleRemoteRejectsUnknownKind(t *testing.T) {
	e, _ := newTestEngine(t, newFakeTransport(), true)
	// Must not panic or mutate anything.
	e.HandleRemote(context.Background(), Message{Kind: MessageKind("bogus")})
	assert.Empty(t, e.Conflicts())
}

func TestQueuePathSanitized(t *testing.T) {
	queue, err := NewOfflineQueue(filepath.Join(t.TempDir(), "offline-queue"))
	require.NoError(t, err)
	p := queue.path("../../etc/passwd")
	assert.False(t, strings.Contains(p, ".."))
}
