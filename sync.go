package stash

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AndrewDonelson/stash/internal/l3"
	"github.com/AndrewDonelson/stash/internal/serializer"
	"github.com/AndrewDonelson/stash/internal/value"
)

// Invalidation operations.
const (
	opSet    = "set"
	opDelete = "delete"
	opClear  = "clear"
)

// invalidationMsg is the Redis pub/sub payload for L1 invalidation. It is
// sent as a msgpack object {key, op, node}; for opClear the key is a prefix.
type invalidationMsg struct {
	Key  string
	Op   string
	Node string
}

func (m invalidationMsg) encode() ([]byte, error) {
	return serializer.EncodeMsgpack(value.ObjectOf("Invalidation",
		value.F("key", value.String(m.Key)),
		value.F("op", value.String(m.Op)),
		value.F("node", value.String(m.Node)),
	))
}

func decodeInvalidation(payload []byte) (invalidationMsg, error) {
	v, err := serializer.DecodeMsgpack(payload)
	if err != nil {
		return invalidationMsg{}, err
	}
	if v.Kind() != value.KindObject {
		return invalidationMsg{}, fmt.Errorf("%w: invalidation is %s, not an object", ErrDecodeFailed, v.Kind())
	}
	var m invalidationMsg
	for _, f := range []struct {
		name string
		dst  *string
	}{{"key", &m.Key}, {"op", &m.Op}, {"node", &m.Node}} {
		fv, ok := v.Field(f.name)
		if !ok || fv.Kind() != value.KindString {
			return invalidationMsg{}, fmt.Errorf("%w: invalidation field %q missing", ErrDecodeFailed, f.name)
		}
		*f.dst = fv.AsString()
	}
	return m, nil
}

// dirtyEntry holds a sealed payload pending write-behind flush to L3.
type dirtyEntry struct {
	key       string
	payload   []byte
	expiresAt *time.Time
	retries   int
	lastErr   error
}

// syncEngine manages L1 invalidation (Redis pub/sub), write-behind flushing
// and the L3 expiry sweeper.
type syncEngine struct {
	s          *Store
	dirtyMu    sync.Mutex
	dirty      map[string]*dirtyEntry
	flushMu    sync.Mutex // held by a flush and by L3 deletes in write-behind mode
	dirtyCount atomic.Int64
	stopCh     chan struct{}
	flushCh    chan struct{}
	ready      chan struct{} // closed once the first subscription is confirmed
	readyOnce  sync.Once
	wg         sync.WaitGroup
}

func newSyncEngine(s *Store) *syncEngine {
	return &syncEngine{
		s:       s,
		dirty:   make(map[string]*dirtyEntry),
		stopCh:  make(chan struct{}),
		flushCh: make(chan struct{}, 1),
		ready:   make(chan struct{}),
	}
}

func (se *syncEngine) start() {
	if se.s.l2 != nil {
		se.wg.Add(1)
		go se.subscribeLoop()
	}
	if se.s.l3 != nil {
		if se.s.cfg.WriteMode == WriteBehind {
			se.wg.Add(1)
			go se.writeBehindLoop()
		}
		if se.s.cfg.L3SweepInterval > 0 {
			se.wg.Add(1)
			go se.sweepLoop()
		}
	}
}

func (se *syncEngine) stop() {
	close(se.stopCh)
	se.wg.Wait()
}

// ────────────────────────────────────────────────────────────────────────────
// Invalidation
// ────────────────────────────────────────────────────────────────────────────

func (se *syncEngine) publishInvalidation(ctx context.Context, key, op string) {
	if se.s.l2 == nil {
		return
	}
	b, err := invalidationMsg{Key: key, Op: op, Node: se.s.cfg.NodeID}.encode()
	if err != nil {
		se.s.logger.Error("stash: encode invalidation", "key", key, "err", err)
		return
	}
	if err := se.s.l2.Publish(ctx, se.s.cfg.InvalidationChannel, b); err != nil {
		se.s.l2Failed("publish", err)
	}
}

func (se *syncEngine) subscribeLoop() {
	defer se.wg.Done()
	ch := se.s.cfg.InvalidationChannel
	for {
		select {
		case <-se.stopCh:
			return
		default:
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-se.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		sub := se.s.l2.Subscribe(ctx, ch)
		func() {
			defer cancel()
			defer sub.Close()
			if _, err := sub.Receive(ctx); err != nil {
				se.s.logger.Warn("stash: invalidation subscribe failed", "channel", ch, "err", err)
				return
			}
			se.readyOnce.Do(func() { close(se.ready) })
			msgCh := sub.Channel()
			for {
				select {
				case <-se.stopCh:
					return
				case msg, ok := <-msgCh:
					if !ok {
						return
					}
					se.handleInvalidation([]byte(msg.Payload))
				}
			}
		}()
		select {
		case <-se.stopCh:
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (se *syncEngine) handleInvalidation(payload []byte) {
	msg, err := decodeInvalidation(payload)
	if err != nil {
		se.s.logger.Warn("stash: malformed invalidation message", "err", err)
		return
	}
	if msg.Node == se.s.cfg.NodeID {
		return
	}
	switch msg.Op {
	case opSet, opDelete:
		se.s.l1.Delete(msg.Key)
	case opClear:
		se.s.l1.FlushPrefix(msg.Key)
	default:
		se.s.logger.Warn("stash: unknown invalidation op", "op", msg.Op, "key", msg.Key)
		return
	}
	se.s.metrics.RecordInvalidation(msg.Op)
}

// ────────────────────────────────────────────────────────────────────────────
// Write-behind
// ────────────────────────────────────────────────────────────────────────────

func (se *syncEngine) queueDirty(key string, payload []byte, expiresAt *time.Time) {
	se.dirtyMu.Lock()
	se.dirty[key] = &dirtyEntry{key: key, payload: payload, expiresAt: expiresAt}
	count := int64(len(se.dirty))
	se.dirtyMu.Unlock()
	se.dirtyCount.Store(count)

	if int(count) >= se.s.cfg.WriteBehindFlushThreshold {
		select {
		case se.flushCh <- struct{}{}:
		default:
		}
	}
}

// holdFlush blocks write-behind flushes until the returned func is called.
// Deletes hold it so a flush in flight cannot resurrect a removed row.
func (se *syncEngine) holdFlush() func() {
	if se.s.cfg.WriteMode != WriteBehind {
		return func() {}
	}
	se.flushMu.Lock()
	return se.flushMu.Unlock
}

func (se *syncEngine) dropDirty(key string) {
	se.dirtyMu.Lock()
	delete(se.dirty, key)
	se.dirtyCount.Store(int64(len(se.dirty)))
	se.dirtyMu.Unlock()
}

func (se *syncEngine) dropDirtyPrefix(prefix string) {
	se.dirtyMu.Lock()
	for k := range se.dirty {
		if strings.HasPrefix(k, prefix) {
			delete(se.dirty, k)
		}
	}
	se.dirtyCount.Store(int64(len(se.dirty)))
	se.dirtyMu.Unlock()
}

func (se *syncEngine) writeBehindLoop() {
	defer se.wg.Done()
	ticker := time.NewTicker(se.s.cfg.WriteBehindFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-se.stopCh:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = se.flushDirty(ctx)
			cancel()
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = se.flushDirty(ctx)
			cancel()
		case <-se.flushCh:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = se.flushDirty(ctx)
			cancel()
		}
	}
}

// flushDirty writes the queued entries to L3. Failed entries are requeued
// unless a newer write for the same key arrived meanwhile. Entries that
// exhaust WriteBehindMaxRetry, or that L3 rejects permanently, are dropped
// and reported through OnWriteBehindError once the flush lock is released.
// The returned error wraps ErrWriteBehindMaxRetry when any entry was dropped.
func (se *syncEngine) flushDirty(ctx context.Context) error {
	if se.s.l3 == nil {
		return nil
	}
	se.flushMu.Lock()
	dropped := se.flushLocked(ctx)
	se.flushMu.Unlock()

	if len(dropped) == 0 {
		return nil
	}
	if cb := se.s.cfg.OnWriteBehindError; cb != nil {
		for _, e := range dropped {
			cb(e.key, fmt.Errorf("%w: %w", ErrWriteBehindMaxRetry, e.lastErr))
		}
	}
	return fmt.Errorf("%w: %d entries dropped", ErrWriteBehindMaxRetry, len(dropped))
}

// flushLocked runs one flush pass under flushMu and returns the entries it
// gave up on.
func (se *syncEngine) flushLocked(ctx context.Context) []*dirtyEntry {
	se.dirtyMu.Lock()
	if len(se.dirty) == 0 {
		se.dirtyMu.Unlock()
		return nil
	}
	snapshot := se.dirty
	se.dirty = make(map[string]*dirtyEntry, len(snapshot))
	se.dirtyCount.Store(0)
	se.dirtyMu.Unlock()

	var failed, dropped []*dirtyEntry
	for _, entry := range snapshot {
		err := se.s.l3.Upsert(ctx, entry.key, entry.payload, entry.expiresAt)
		if err == nil {
			continue
		}
		entry.retries++
		entry.lastErr = err
		se.s.metrics.RecordError(tierL3, "write_behind")
		if entry.retries >= se.s.cfg.WriteBehindMaxRetry || l3.Permanent(err) {
			se.s.logger.Error("stash: write-behind max retries exceeded",
				"key", entry.key, "retries", entry.retries, "err", err)
			dropped = append(dropped, entry)
			continue
		}
		failed = append(failed, entry)
	}
	if len(failed) > 0 {
		se.dirtyMu.Lock()
		for _, e := range failed {
			if _, newer := se.dirty[e.key]; !newer {
				se.dirty[e.key] = e
			}
		}
		se.dirtyCount.Store(int64(len(se.dirty)))
		se.dirtyMu.Unlock()
	}
	return dropped
}

// ────────────────────────────────────────────────────────────────────────────
// L3 expiry sweeper
// ────────────────────────────────────────────────────────────────────────────

func (se *syncEngine) sweepLoop() {
	defer se.wg.Done()
	ticker := time.NewTicker(se.s.cfg.L3SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-se.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := se.s.l3.SweepExpired(ctx)
			cancel()
			if err != nil {
				se.s.metrics.RecordError(tierL3, "sweep")
				se.s.logger.Warn("stash: L3 expiry sweep failed", "err", err)
				continue
			}
			if n > 0 {
				se.s.logger.Debug("stash: swept expired L3 rows", "rows", n)
			}
		}
	}
}
