package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/config"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
	"github.com/helix-runtime/helixd/pkg/sessions"
	"github.com/helix-runtime/helixd/pkg/webhook"
)

// Transport is the bidirectional sync channel to the peer plus the canonical
// session fetch used by resume.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	// Receive blocks until the next frame or a connection error.
	Receive(ctx context.Context) (Message, error)
	FetchSession(ctx context.Context, sessionID string) (*models.Session, error)
	Close() error
}

// actor serializes all sync mutation for one session.
type actor struct {
	sessionID string
	cmds      chan func()
	stop      chan struct{}
	clock     models.VectorClock
	unsynced  map[string]models.Delta // entity id -> last unacked local delta
	inflight  string                  // "resume" or "transfer" while one runs
}

func (a *actor) loop() {
	for {
		select {
		case <-a.stop:
			return
		case fn := <-a.cmds:
			fn()
		}
	}
}

// exec runs fn on the actor goroutine and waits for it.
func (a *actor) exec(fn func()) {
	done := make(chan struct{})
	select {
	case a.cmds <- func() { fn(); close(done) }:
		<-done
	case <-a.stop:
	}
}

// Engine owns the sync actors, the offline queue and the reconnect loop.
type Engine struct {
	origin    string
	token     string
	store     *sessions.Store
	queue     *OfflineQueue
	transport Transport
	recorder  *audit.Recorder
	cfg       config.SyncConfig
	logger    *slog.Logger

	mu        sync.Mutex
	actors    map[string]*actor
	conflicts map[string]*models.Conflict

	connected atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates the engine. transport may be nil (offline-only mode, used in
// tests and when no peer is configured).
func New(origin, token string, store *sessions.Store, queue *OfflineQueue, transport Transport, recorder *audit.Recorder, cfg config.SyncConfig) *Engine {
	if cfg.FullSyncInterval <= 0 {
		cfg.FullSyncInterval = 30 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Engine{
		origin:    origin,
		token:     token,
		store:     store,
		queue:     queue,
		transport: transport,
		recorder:  recorder,
		cfg:       cfg,
		logger:    slog.Default().With("component", "syncengine"),
		actors:    make(map[string]*actor),
		conflicts: make(map[string]*models.Conflict),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the reconnect and periodic full-sync loops.
func (e *Engine) Start(ctx context.Context) {
	if e.transport == nil {
		return
	}
	e.wg.Add(2)
	go e.runLoop(ctx)
	go e.fullSyncLoop(ctx)
}

// Stop shuts down loops and actors.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.mu.Lock()
	for _, a := range e.actors {
		close(a.stop)
	}
	e.actors = make(map[string]*actor)
	e.mu.Unlock()
	if e.transport != nil {
		_ = e.transport.Close()
	}
}

// Connected reports whether the sync channel is up.
func (e *Engine) Connected() bool { return e.connected.Load() }

func (e *Engine) actorFor(sessionID string) *actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.actors[sessionID]; ok {
		return a
	}
	a := &actor{
		sessionID: sessionID,
		cmds:      make(chan func()),
		stop:      make(chan struct{}),
		clock:     models.VectorClock{},
		unsynced:  make(map[string]models.Delta),
	}
	e.actors[sessionID] = a
	go a.loop()
	return a
}

// ApplyLocal mutates the session locally and replicates the delta: sent
// immediately when connected, parked in the offline queue otherwise.
func (e *Engine) ApplyLocal(ctx context.Context, delta models.Delta) error {
	if delta.ID == "" {
		delta.ID = uuid.NewString()
	}
	delta.Origin = e.origin
	if delta.Timestamp.IsZero() {
		delta.Timestamp = time.Now().UTC()
	}

	a := e.actorFor(delta.SessionID)
	var outErr error
	a.exec(func() {
		a.clock.Increment(e.origin)
		delta.VectorClock = a.clock.Clone()

		if err := e.applyToSession(ctx, delta); err != nil {
			outErr = err
			return
		}
		a.unsynced[delta.EntityID] = delta
		_ = e.store.Mutate(delta.SessionID, func(s *models.Session) error {
			s.SyncState.LocalVersion++
			return nil
		})

		sent := false
		if e.connected.Load() {
			if err := e.transport.Send(ctx, Message{Kind: KindSyncChange, SessionID: delta.SessionID, Delta: &delta}); err == nil {
				sent = true
			} else {
				e.logger.Warn("Sync send failed, queueing", "delta_id", delta.ID, "error", err)
			}
		}
		if !sent {
			if err := e.queue.Enqueue(delta); err != nil {
				outErr = faults.Wrap(faults.KindOffline, err, "queueing change %s", delta.ID)
				return
			}
		}
		e.refreshPending(delta.SessionID, a)
	})
	return outErr
}

// HandleRemote dispatches one inbound frame.
func (e *Engine) HandleRemote(ctx context.Context, msg Message) {
	if !ValidKind(msg.Kind) {
		e.logger.Warn("Rejecting unknown sync message kind", "kind", msg.Kind)
		return
	}
	switch msg.Kind {
	case KindSyncDelta:
		if msg.Delta != nil {
			e.applyRemoteDelta(ctx, *msg.Delta)
		}
	case KindSyncAck:
		e.handleAck(msg)
	case KindResolveConflict:
		if msg.Conflict != nil {
			_ = e.Resolve(ctx, msg.Conflict.ID, msg.Resolution)
		}
	case KindError:
		e.logger.Warn("Peer reported sync error", "error", msg.Error)
	}
}

func (e *Engine) applyRemoteDelta(ctx context.Context, delta models.Delta) {
	a := e.actorFor(delta.SessionID)
	a.exec(func() {
		if local, ok := a.unsynced[delta.EntityID]; ok &&
			local.VectorClock.Concurrent(delta.VectorClock) {
			conflict := &models.Conflict{
				ID:         uuid.NewString(),
				EntityKind: delta.EntityKind,
				EntityID:   delta.EntityID,
				SessionID:  delta.SessionID,
				Local:      local,
				Remote:     delta,
				DetectedTS: time.Now().UTC(),
			}
			e.mu.Lock()
			e.conflicts[conflict.ID] = conflict
			e.mu.Unlock()
			_ = e.store.Mutate(delta.SessionID, func(s *models.Session) error {
				s.SyncState.ConflictCount++
				return nil
			})
			if e.connected.Load() {
				_ = e.transport.Send(ctx, Message{Kind: KindSyncConflict, SessionID: delta.SessionID, Conflict: conflict})
			}
			e.logger.Info("Sync conflict detected",
				"conflict_id", conflict.ID, "entity_id", delta.EntityID)
			return
		}

		if err := e.applyToSession(ctx, delta); err != nil {
			e.logger.Error("Remote delta apply failed", "delta_id", delta.ID, "error", err)
			return
		}
		a.clock.Merge(delta.VectorClock)
		_ = e.store.Mutate(delta.SessionID, func(s *models.Session) error {
			s.SyncState.RemoteVersion++
			s.SyncState.LastSyncTS = time.Now().UTC()
			return nil
		})
		if e.connected.Load() {
			_ = e.transport.Send(ctx, Message{Kind: KindSyncAck, SessionID: delta.SessionID, AckID: delta.ID})
		}
	})
}

func (e *Engine) handleAck(msg Message) {
	a := e.actorFor(msg.SessionID)
	a.exec(func() {
		for entityID, d := range a.unsynced {
			if d.ID == msg.AckID {
				delete(a.unsynced, entityID)
				break
			}
		}
		e.refreshPending(msg.SessionID, a)
	})
}

// Conflicts returns the open conflicts.
func (e *Engine) Conflicts() []*models.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Resolve applies a strategy to an open conflict. The resolution is itself a
// chain event.
func (e *Engine) Resolve(ctx context.Context, conflictID string, strategy models.ConflictResolution) error {
	e.mu.Lock()
	c, ok := e.conflicts[conflictID]
	if ok {
		delete(e.conflicts, conflictID)
	}
	e.mu.Unlock()
	if !ok {
		return faults.New(faults.KindConflictUnresolved, "unknown conflict %s", conflictID)
	}

	a := e.actorFor(c.SessionID)
	var outErr error
	a.exec(func() {
		switch strategy {
		case models.ResolutionLocalWins:
			// Retransmit our delta; local state already reflects it.
			if e.connected.Load() {
				_ = e.transport.Send(ctx, Message{Kind: KindSyncChange, SessionID: c.SessionID, Delta: &c.Local})
			} else if err := e.queue.Enqueue(c.Local); err != nil {
				outErr = faults.Wrap(faults.KindOffline, err, "queueing resolution")
				return
			}
		case models.ResolutionRemoteWins:
			if err := e.applyToSession(ctx, c.Remote); err != nil {
				outErr = err
				return
			}
			delete(a.unsynced, c.EntityID)
			a.clock.Merge(c.Remote.VectorClock)
		case models.ResolutionMerge:
			merged := resolveMerge(c)
			merged.ID = uuid.NewString()
			if err := e.applyToSession(ctx, merged); err != nil {
				outErr = err
				return
			}
			a.clock.Merge(merged.VectorClock)
			a.unsynced[merged.EntityID] = merged
			if e.connected.Load() {
				_ = e.transport.Send(ctx, Message{Kind: KindSyncChange, SessionID: c.SessionID, Delta: &merged})
			} else if err := e.queue.Enqueue(merged); err != nil {
				outErr = faults.Wrap(faults.KindOffline, err, "queueing merged delta")
				return
			}
		default:
			outErr = faults.New(faults.KindConflictUnresolved, "unknown strategy %q", strategy)
			return
		}

		now := time.Now().UTC()
		_ = e.store.Mutate(c.SessionID, func(s *models.Session) error {
			if s.SyncState.ConflictCount > 0 {
				s.SyncState.ConflictCount--
			}
			return nil
		})
		c.Resolution = &strategy
		c.ResolvedTS = &now
		if e.recorder != nil {
			e.recorder.PostExec(webhook.ChannelConsciousness, audit.Event{
				Kind: "conflict.resolved",
				Detail: map[string]any{
					"conflict_id": conflictID,
					"session_id":  c.SessionID,
					"strategy":    string(strategy),
				},
			})
		}
	})
	return outErr
}

// Resume fetches the canonical session from the peer, marks it local and
// active. Mutually exclusive with Transfer for the same session.
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	if e.transport == nil {
		return faults.New(faults.KindOffline, "no sync transport configured")
	}
	a := e.actorFor(sessionID)
	var outErr error
	a.exec(func() {
		if a.inflight != "" {
			outErr = faults.New(faults.KindConflictUnresolved,
				"session %s has %s in flight", sessionID, a.inflight)
			return
		}
		a.inflight = "resume"
	})
	if outErr != nil {
		return outErr
	}
	defer a.exec(func() { a.inflight = "" })

	sess, err := e.transport.FetchSession(ctx, sessionID)
	if err != nil {
		return faults.Wrap(faults.KindOffline, err, "fetching session %s", sessionID)
	}
	sess.Origin = models.OriginLocal
	sess.Status = models.SessionActive
	e.store.Put(ctx, sess)
	return nil
}

// Transfer flushes pending changes, flips origin and marks the session
// transferred. The transfer is chain-logged before it takes effect.
func (e *Engine) Transfer(ctx context.Context, sessionID string, toOrigin models.Origin) error {
	a := e.actorFor(sessionID)
	var outErr error
	a.exec(func() {
		if a.inflight != "" {
			outErr = faults.New(faults.KindConflictUnresolved,
				"session %s has %s in flight", sessionID, a.inflight)
			return
		}
		a.inflight = "transfer"
	})
	if outErr != nil {
		return outErr
	}
	defer a.exec(func() { a.inflight = "" })

	if e.recorder != nil {
		_, err := e.recorder.PreExec(ctx, webhook.ChannelConsciousness, audit.Event{
			Kind: audit.EventSessionXfer,
			Detail: map[string]any{
				"session_id": sessionID,
				"to_origin":  string(toOrigin),
			},
		})
		if err != nil {
			return err
		}
	}

	if e.connected.Load() {
		e.drainSession(ctx, sessionID)
	}
	return e.store.Mutate(sessionID, func(s *models.Session) error {
		s.Origin = toOrigin
		s.Status = models.SessionTransferred
		return nil
	})
}

// applyToSession projects a delta onto the stored session.
func (e *Engine) applyToSession(ctx context.Context, delta models.Delta) error {
	return e.store.Mutate(delta.SessionID, func(s *models.Session) error {
		switch delta.EntityKind {
		case "message":
			return applyMessageDelta(s, delta)
		case "session":
			return applySessionDelta(s, delta)
		}
		return faults.New(faults.KindFatal, "unknown entity kind %q", delta.EntityKind)
	})
}

func applyMessageDelta(s *models.Session, delta models.Delta) error {
	switch delta.Op {
	case models.DeltaInsert:
		// Drains and full syncs resend deltas; inserts are upserts by id.
		for i := range s.Messages {
			if s.Messages[i].ID == delta.EntityID {
				if v, ok := delta.ChangedFields["content"].(string); ok {
					s.Messages[i].Content = v
				}
				return nil
			}
		}
		msg := models.SessionMessage{
			ID:        delta.EntityID,
			SessionID: delta.SessionID,
			Origin:    models.Origin(delta.Origin),
			Timestamp: delta.Timestamp,
		}
		if v, ok := delta.ChangedFields["role"].(string); ok {
			msg.Role = v
		}
		if v, ok := delta.ChangedFields["content"].(string); ok {
			msg.Content = v
		}
		s.Messages = append(s.Messages, msg)
		if delta.Timestamp.After(s.LastActivityTS) {
			s.LastActivityTS = delta.Timestamp
		}
		return nil
	case models.DeltaUpdate:
		for i := range s.Messages {
			if s.Messages[i].ID == delta.EntityID {
				if v, ok := delta.ChangedFields["content"].(string); ok {
					s.Messages[i].Content = v
				}
				return nil
			}
		}
		return faults.New(faults.KindFatal, "unknown message %s", delta.EntityID)
	case models.DeltaDelete:
		for i := range s.Messages {
			if s.Messages[i].ID == delta.EntityID {
				s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
				return nil
			}
		}
		return nil
	}
	return faults.New(faults.KindFatal, "unknown delta op %q", delta.Op)
}

func applySessionDelta(s *models.Session, delta models.Delta) error {
	if v, ok := delta.ChangedFields["status"].(string); ok {
		s.Status = models.SessionStatus(v)
	}
	if v, ok := delta.ChangedFields["origin"].(string); ok {
		s.Origin = models.Origin(v)
	}
	return nil
}

func (e *Engine) refreshPending(sessionID string, a *actor) {
	pending := len(a.unsynced)
	if q := e.queue.Len(sessionID); q > pending {
		pending = q
	}
	_ = e.store.Mutate(sessionID, func(s *models.Session) error {
		s.SyncState.PendingChanges = pending
		return nil
	})
}

// runLoop maintains the connection: exponential backoff 1, 2, 4, 8 seconds
// capped at ReconnectMax, then auth, queue drain and the receive pump.
func (e *Engine) runLoop(ctx context.Context) {
	defer e.wg.Done()
	backoff := time.Second
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := e.transport.Connect(ctx); err != nil {
			e.logger.Info("Sync connect failed", "backoff", backoff, "error", err)
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > e.cfg.ReconnectMax {
				backoff = e.cfg.ReconnectMax
			}
			continue
		}
		backoff = time.Second
		e.connected.Store(true)
		e.logger.Info("Sync channel connected")

		_ = e.transport.Send(ctx, Message{Kind: KindAuth, Token: e.token})
		e.DrainQueues(ctx)

		for {
			msg, err := e.transport.Receive(ctx)
			if err != nil {
				e.logger.Warn("Sync channel dropped", "error", err)
				break
			}
			e.HandleRemote(ctx, msg)
		}
		e.connected.Store(false)
	}
}

func (e *Engine) fullSyncLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.FullSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.connected.Load() {
				e.DrainQueues(ctx)
				e.retransmitUnsynced(ctx)
			}
		}
	}
}

// DrainQueues replays every queued change, oldest first, and clears the
// queue files. Duplicate suppression happens at read time.
func (e *Engine) DrainQueues(ctx context.Context) {
	ids, err := e.queue.Sessions()
	if err != nil {
		e.logger.Error("Offline queue listing failed", "error", err)
		return
	}
	for _, sessionID := range ids {
		e.drainSession(ctx, sessionID)
	}
}

func (e *Engine) drainSession(ctx context.Context, sessionID string) {
	pending, err := e.queue.Pending(sessionID)
	if err != nil {
		e.logger.Error("Offline queue read failed", "session_id", sessionID, "error", err)
		return
	}
	for _, qc := range pending {
		if err := e.transport.Send(ctx, Message{Kind: KindSyncChange, SessionID: sessionID, Delta: &qc.Delta}); err != nil {
			e.logger.Warn("Queue drain interrupted", "session_id", sessionID, "error", err)
			return
		}
	}
	if len(pending) > 0 {
		if err := e.queue.Clear(sessionID); err != nil {
			e.logger.Error("Offline queue clear failed", "session_id", sessionID, "error", err)
		}
		a := e.actorFor(sessionID)
		a.exec(func() { e.refreshPending(sessionID, a) })
	}
}

func (e *Engine) retransmitUnsynced(ctx context.Context) {
	e.mu.Lock()
	actors := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()
	for _, a := range actors {
		a.exec(func() {
			for _, d := range a.unsynced {
				delta := d
				_ = e.transport.Send(ctx, Message{Kind: KindSyncChange, SessionID: a.sessionID, Delta: &delta})
			}
		})
	}
}
