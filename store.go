package flagstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/flagstore/backend"
	"github.com/unkn0wn-root/flagstore/storetypes"
)

var errNilBackend = errors.New("flagstore: backend is required")

// loadResult carries a backend read through the singleflight group.
type loadResult struct {
	item  storetypes.ItemDescriptor
	found bool
}

type store struct {
	backend backend.Backend
	cache   *dataCache // nil when TTL == 0
	policy  StalePolicy
	stats   *statsCollector
	status  *statusManager
	log     Logger
	now     func() time.Time

	// collapses concurrent backend loads of the same key
	loads singleflight.Group

	// RefreshAsync machinery; nil unless that policy is active
	refresh    *refreshPool
	inflightMu sync.Mutex
	inflight   map[cacheKey]struct{}

	inited        atomic.Bool
	initMu        sync.Mutex
	initCheckedAt time.Time

	closeOnce sync.Once
}

var _ Store = (*store)(nil)

func newStore(opts Options) (*store, error) {
	if opts.Backend == nil {
		return nil, errNilBackend
	}

	s := &store{
		backend: opts.Backend,
		policy:  opts.StalePolicy,
		stats:   newStatsCollector(opts.RecordStats),
		now:     time.Now,
	}
	s.log = coalesce[Logger](opts.Logger, NopLogger{})

	if opts.TTL != 0 {
		s.cache = newDataCache(opts.TTL)
	}
	if s.cache != nil && opts.TTL > 0 && s.policy == RefreshAsync {
		s.refresh = newRefreshPool(opts.AsyncRefreshWorkers, defaultAsyncQueue)
		s.inflight = make(map[cacheKey]struct{})
	}

	s.status = newStatusManager(opts.Backend.IsAvailable, opts.RefreshOnRecovery, statusPollInterval, s.log)
	return s, nil
}

// ==============================
// Reads
// ==============================

func (s *store) Get(ctx context.Context, kind storetypes.Kind, key string) (storetypes.ItemDescriptor, bool, error) {
	if s.cache == nil {
		r, err := s.loadItem(ctx, kind, key)
		return r.item, r.found, err
	}

	e, state := s.cache.getItem(kind, key)
	switch state {
	case entryFresh:
		s.stats.hit()
		return e.item, e.present, nil

	case entryStale:
		s.stats.miss()
		switch s.policy {
		case Refresh:
			r, err := s.loadAndCacheItem(ctx, kind, key)
			if err != nil {
				// masked: serve the previous value
				return e.item, e.present, nil
			}
			return r.item, r.found, nil
		case RefreshAsync:
			s.scheduleItemRefresh(kind, key)
			return e.item, e.present, nil
		default: // Evict
			if s.cache.removeItem(kind, key) {
				s.stats.eviction()
			}
			r, err := s.loadAndCacheItem(ctx, kind, key)
			return r.item, r.found, err
		}

	default: // miss
		s.stats.miss()
		r, err := s.loadAndCacheItem(ctx, kind, key)
		return r.item, r.found, err
	}
}

func (s *store) GetAll(ctx context.Context, kind storetypes.Kind) ([]storetypes.KeyedItemDescriptor, error) {
	if s.cache == nil {
		return s.loadAll(ctx, kind)
	}

	e, state := s.cache.getAll(kind)
	switch state {
	case entryFresh:
		s.stats.hit()
		return e.items, nil

	case entryStale:
		s.stats.miss()
		switch s.policy {
		case Refresh:
			items, err := s.loadAndCacheAll(ctx, kind)
			if err != nil {
				return e.items, nil
			}
			return items, nil
		case RefreshAsync:
			s.scheduleAllRefresh(kind)
			return e.items, nil
		default: // Evict
			if s.cache.removeAll(kind) {
				s.stats.eviction()
			}
			return s.loadAndCacheAll(ctx, kind)
		}

	default: // miss
		s.stats.miss()
		return s.loadAndCacheAll(ctx, kind)
	}
}

// loadItem reads one item from the backend, recovering version/tombstone
// metadata from the payload when the backend cannot store it out-of-band.
// Concurrent loads of the same key share one backend call.
func (s *store) loadItem(ctx context.Context, kind storetypes.Kind, key string) (loadResult, error) {
	v, err, _ := s.loads.Do("item/"+kind.Name()+"/"+key, func() (any, error) {
		start := s.now()
		serialized, found, err := s.backend.Get(ctx, kind, key)
		if err != nil {
			s.loadFailed(start)
			return loadResult{}, storeErr("get", kind.Name(), key, err)
		}
		if !found {
			s.stats.loadSuccess(s.now().Sub(start))
			return loadResult{}, nil
		}
		item, err := deserialize(kind, serialized)
		if err != nil {
			s.loadFailed(start)
			return loadResult{}, storeErr("get", kind.Name(), key, err)
		}
		s.stats.loadSuccess(s.now().Sub(start))
		return loadResult{item: item, found: true}, nil
	})
	if err != nil {
		return loadResult{}, err
	}
	return v.(loadResult), nil
}

func (s *store) loadAndCacheItem(ctx context.Context, kind storetypes.Kind, key string) (loadResult, error) {
	r, err := s.loadItem(ctx, kind, key)
	if err != nil {
		return loadResult{}, err
	}
	// confirmed absence is cached too
	s.cache.setItem(kind, key, r.item, r.found)
	return r, nil
}

func (s *store) loadAll(ctx context.Context, kind storetypes.Kind) ([]storetypes.KeyedItemDescriptor, error) {
	v, err, _ := s.loads.Do("all/"+kind.Name(), func() (any, error) {
		start := s.now()
		serialized, err := s.backend.GetAll(ctx, kind)
		if err != nil {
			s.loadFailed(start)
			return nil, storeErr("getall", kind.Name(), "", err)
		}
		items := make([]storetypes.KeyedItemDescriptor, 0, len(serialized))
		for _, ks := range serialized {
			item, err := deserialize(kind, ks.Item)
			if err != nil {
				s.loadFailed(start)
				return nil, storeErr("getall", kind.Name(), ks.Key, err)
			}
			items = append(items, storetypes.KeyedItemDescriptor{Key: ks.Key, Item: item})
		}
		s.stats.loadSuccess(s.now().Sub(start))
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]storetypes.KeyedItemDescriptor), nil
}

func (s *store) loadAndCacheAll(ctx context.Context, kind storetypes.Kind) ([]storetypes.KeyedItemDescriptor, error) {
	items, err := s.loadAll(ctx, kind)
	if err != nil {
		return nil, err
	}
	s.cache.setAll(kind, items)
	return items, nil
}

func (s *store) loadFailed(start time.Time) {
	s.stats.loadFailure(s.now().Sub(start))
	s.status.updateAvailability(false)
}

// ==============================
// Async refresh (RefreshAsync policy)
// ==============================

// scheduleItemRefresh keeps at most one in-flight refresh per key; latecomers
// observe the stale value.
func (s *store) scheduleItemRefresh(kind storetypes.Kind, key string) {
	k := cacheKey{kind.Name(), key}
	if !s.claimInflight(k) {
		return
	}
	ok := s.refresh.submit(func() {
		defer s.releaseInflight(k)
		// a failed reload leaves the stale value untouched
		if _, err := s.loadAndCacheItem(context.Background(), kind, key); err != nil {
			s.log.Debug("async refresh failed", Fields{"kind": kind.Name(), "key": key, "err": err})
		}
	})
	if !ok {
		s.releaseInflight(k)
	}
}

func (s *store) scheduleAllRefresh(kind storetypes.Kind) {
	k := cacheKey{kind: kind.Name()}
	if !s.claimInflight(k) {
		return
	}
	ok := s.refresh.submit(func() {
		defer s.releaseInflight(k)
		if _, err := s.loadAndCacheAll(context.Background(), kind); err != nil {
			s.log.Debug("async snapshot refresh failed", Fields{"kind": kind.Name(), "err": err})
		}
	})
	if !ok {
		s.releaseInflight(k)
	}
}

func (s *store) claimInflight(k cacheKey) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[k]; busy {
		return false
	}
	s.inflight[k] = struct{}{}
	return true
}

func (s *store) releaseInflight(k cacheKey) {
	s.inflightMu.Lock()
	delete(s.inflight, k)
	s.inflightMu.Unlock()
}

// ==============================
// Writes
// ==============================

func (s *store) Init(ctx context.Context, allData []storetypes.Collection) error {
	serialized, err := serializeAll(allData)
	if err != nil {
		return err
	}

	if err := s.backend.Init(ctx, serialized); err != nil {
		s.status.updateAvailability(false)
		if s.cache != nil && s.cache.unlimited() {
			// forever mode accepts indefinitely stale data, so keep serving
			// what init was given even though the backend write failed
			s.cache.replace(allData)
			s.inited.Store(true)
		}
		return storeErr("init", "", "", err)
	}

	if s.cache != nil {
		s.cache.replace(allData)
	}
	s.inited.Store(true)
	return nil
}

func (s *store) Upsert(ctx context.Context, kind storetypes.Kind, key string, item storetypes.ItemDescriptor) (bool, error) {
	serialized, err := serialize(kind, item)
	if err != nil {
		return false, storeErr("upsert", kind.Name(), key, err)
	}

	applied, err := s.backend.Upsert(ctx, kind, key, serialized)
	if err != nil {
		s.status.updateAvailability(false)
		if s.cache != nil && s.cache.unlimited() {
			// optimistic: forever mode prefers availability over backend
			// consistency (same asymmetry as Init)
			s.cache.setItem(kind, key, item, true)
			s.cache.mergeAll(kind, key, item)
		}
		return false, storeErr("upsert", kind.Name(), key, err)
	}

	if s.cache == nil {
		return applied, nil
	}

	if applied {
		s.cache.setItem(kind, key, item, true)
		s.syncAllAfterWrite(kind, key, item)
		return true, nil
	}

	// Rejected: a higher (or equal) version is already stored. Re-read it so
	// the cache never serves something older than the value just rejected.
	cur, lerr := s.loadItem(ctx, kind, key)
	if lerr != nil {
		if !s.cache.unlimited() && s.cache.removeItem(kind, key) {
			s.stats.eviction()
		}
	} else {
		s.cache.setItem(kind, key, cur.item, cur.found)
		if s.cache.unlimited() && cur.found {
			s.cache.mergeAll(kind, key, cur.item)
		}
	}
	if !s.cache.unlimited() && s.cache.removeAll(kind) {
		s.stats.eviction()
	}
	return false, nil
}

// syncAllAfterWrite reconciles the kind snapshot with a write: finite TTL
// drops it (the next GetAll re-reads, picking up concurrent external changes
// too), forever mode merges the one item in place.
func (s *store) syncAllAfterWrite(kind storetypes.Kind, key string, item storetypes.ItemDescriptor) {
	if s.cache.unlimited() {
		s.cache.mergeAll(kind, key, item)
		return
	}
	if s.cache.removeAll(kind) {
		s.stats.eviction()
	}
}

// ==============================
// Initialization & lifecycle
// ==============================

func (s *store) IsInitialized(ctx context.Context) bool {
	if s.inited.Load() {
		return true
	}

	// a store cannot become un-initialized, so true latches; false is only
	// cached briefly
	if s.cache != nil {
		s.initMu.Lock()
		recheck := s.initCheckedAt.IsZero() || s.now().Sub(s.initCheckedAt) >= s.initRecheckInterval()
		s.initMu.Unlock()
		if !recheck {
			return false
		}
	}

	if s.backend.IsInitialized(ctx) {
		s.inited.Store(true)
		return true
	}
	if s.cache != nil {
		s.initMu.Lock()
		s.initCheckedAt = s.now()
		s.initMu.Unlock()
	}
	return false
}

func (s *store) initRecheckInterval() time.Duration {
	if s.cache.unlimited() {
		return initRecheckUnlimited
	}
	return s.cache.ttl
}

func (s *store) Status() Status { return s.status.status() }

func (s *store) AddStatusListener(l StatusListener) { s.status.addListener(l) }

func (s *store) RemoveStatusListener(l StatusListener) { s.status.removeListener(l) }

func (s *store) CacheStats() (CacheStats, bool) {
	if !s.stats.enabled {
		return CacheStats{}, false
	}
	return s.stats.snapshot(), true
}

func (s *store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.status.close()
		if s.refresh != nil {
			s.refresh.close()
		}
		err = s.backend.Close()
	})
	return err
}

// ==============================
// Serialization helpers
// ==============================

func serialize(kind storetypes.Kind, item storetypes.ItemDescriptor) (storetypes.SerializedItemDescriptor, error) {
	payload, err := kind.Serialize(item)
	if err != nil {
		return storetypes.SerializedItemDescriptor{}, err
	}
	return storetypes.SerializedItemDescriptor{
		Version: item.Version,
		Deleted: item.Item == nil,
		Payload: payload,
	}, nil
}

func serializeAll(allData []storetypes.Collection) ([]storetypes.SerializedCollection, error) {
	out := make([]storetypes.SerializedCollection, 0, len(allData))
	for _, coll := range allData {
		sc := storetypes.SerializedCollection{
			Kind:  coll.Kind,
			Items: make([]storetypes.KeyedSerializedItemDescriptor, 0, len(coll.Items)),
		}
		for _, ki := range coll.Items {
			si, err := serialize(coll.Kind, ki.Item)
			if err != nil {
				return nil, storeErr("init", coll.Kind.Name(), ki.Key, err)
			}
			sc.Items = append(sc.Items, storetypes.KeyedSerializedItemDescriptor{Key: ki.Key, Item: si})
		}
		out = append(out, sc)
	}
	return out, nil
}

// deserialize turns the backend's wire form back into an item, tolerating
// backends that report version 0 / deleted false and carry the truth only in
// the payload.
func deserialize(kind storetypes.Kind, serialized storetypes.SerializedItemDescriptor) (storetypes.ItemDescriptor, error) {
	if serialized.Deleted && serialized.Version != 0 {
		return storetypes.Tombstone(serialized.Version), nil
	}
	if serialized.Payload == nil {
		return storetypes.Tombstone(serialized.Version), nil
	}
	return kind.Deserialize(serialized.Payload)
}
