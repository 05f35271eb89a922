package flagstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/flagstore/backend"
	"github.com/unkn0wn-root/flagstore/codec"
	"github.com/unkn0wn-root/flagstore/storetypes"
)

type testFlag struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
	On      bool   `json:"on"`
}

var featuresKind = codec.KindOf[testFlag]("features", codec.JSON[testFlag]{})

// fakeBackend is an in-memory backend with injectable failures and call
// counters. Full version/deleted metadata unless payloadOnly is set, in
// which case reads report version 0 like a metadata-less store.
type fakeBackend struct {
	mu          sync.Mutex
	data        map[string]map[string]storetypes.SerializedItemDescriptor
	inited      bool
	payloadOnly bool

	getErr    error
	getAllErr error
	initErr   error
	upsertErr error

	getCalls    int
	upsertCalls int
	closeCalls  int

	available bool
}

var _ backend.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		data:      make(map[string]map[string]storetypes.SerializedItemDescriptor),
		available: true,
	}
}

func (b *fakeBackend) Init(_ context.Context, allData []storetypes.SerializedCollection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initErr != nil {
		return b.initErr
	}
	b.data = make(map[string]map[string]storetypes.SerializedItemDescriptor)
	for _, coll := range allData {
		items := make(map[string]storetypes.SerializedItemDescriptor)
		for _, ki := range coll.Items {
			items[ki.Key] = ki.Item
		}
		b.data[coll.Kind.Name()] = items
	}
	b.inited = true
	return nil
}

func (b *fakeBackend) Get(_ context.Context, kind storetypes.Kind, key string) (storetypes.SerializedItemDescriptor, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getCalls++
	if b.getErr != nil {
		return storetypes.SerializedItemDescriptor{}, false, b.getErr
	}
	item, ok := b.data[kind.Name()][key]
	if ok && b.payloadOnly {
		item = storetypes.SerializedItemDescriptor{Payload: item.Payload}
	}
	return item, ok, nil
}

func (b *fakeBackend) GetAll(_ context.Context, kind storetypes.Kind) ([]storetypes.KeyedSerializedItemDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getAllErr != nil {
		return nil, b.getAllErr
	}
	var out []storetypes.KeyedSerializedItemDescriptor
	for k, item := range b.data[kind.Name()] {
		if b.payloadOnly {
			item = storetypes.SerializedItemDescriptor{Payload: item.Payload}
		}
		out = append(out, storetypes.KeyedSerializedItemDescriptor{Key: k, Item: item})
	}
	return out, nil
}

func (b *fakeBackend) Upsert(_ context.Context, kind storetypes.Kind, key string, item storetypes.SerializedItemDescriptor) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upsertCalls++
	if b.upsertErr != nil {
		return false, b.upsertErr
	}
	items, ok := b.data[kind.Name()]
	if !ok {
		items = make(map[string]storetypes.SerializedItemDescriptor)
		b.data[kind.Name()] = items
	}
	if old, ok := items[key]; ok && old.Version >= item.Version {
		return false, nil
	}
	items[key] = item
	return true, nil
}

func (b *fakeBackend) IsInitialized(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inited
}

func (b *fakeBackend) IsAvailable(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCalls++
	return nil
}

// put writes directly into the backend, bypassing the store under test.
func (b *fakeBackend) put(t *testing.T, kind storetypes.Kind, key string, item storetypes.ItemDescriptor) {
	t.Helper()
	payload, err := kind.Serialize(item)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	items, ok := b.data[kind.Name()]
	if !ok {
		items = make(map[string]storetypes.SerializedItemDescriptor)
		b.data[kind.Name()] = items
	}
	items[key] = storetypes.SerializedItemDescriptor{
		Version: item.Version,
		Deleted: item.Item == nil,
		Payload: payload,
	}
}

func (b *fakeBackend) setErr(get, getAll, init, upsert error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getErr, b.getAllErr, b.initErr, b.upsertErr = get, getAll, init, upsert
}

func (b *fakeBackend) setAvailable(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = v
}

func (b *fakeBackend) gets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getCalls
}

// fakeClock drives TTL expiry deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, fb *fakeBackend, optsOpt func(*Options)) (Store, *fakeClock) {
	t.Helper()
	opts := Options{Backend: fb, TTL: 30 * time.Second}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	st, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clk := newFakeClock()
	impl := st.(*store)
	impl.now = clk.now
	if impl.cache != nil {
		impl.cache.now = clk.now
	}
	return st, clk
}

func flagDesc(version int, key string) storetypes.ItemDescriptor {
	return storetypes.ItemDescriptor{Version: version, Item: testFlag{Key: key, Version: version, On: true}}
}

func initData(items ...storetypes.KeyedItemDescriptor) []storetypes.Collection {
	return []storetypes.Collection{{Kind: featuresKind, Items: items}}
}

func keyed(key string, item storetypes.ItemDescriptor) storetypes.KeyedItemDescriptor {
	return storetypes.KeyedItemDescriptor{Key: key, Item: item}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

// ==============================
// Construction & passthrough
// ==============================

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for nil backend")
	}
}

func TestUncachedPassthrough(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, func(o *Options) { o.TTL = 0 })
	defer st.Close()

	fb.put(t, featuresKind, "f1", flagDesc(1, "f1"))

	for i := 0; i < 3; i++ {
		item, found, err := st.Get(ctx, featuresKind, "f1")
		if err != nil || !found || item.Version != 1 {
			t.Fatalf("Get: found=%v err=%v item=%+v", found, err, item)
		}
	}
	if got := fb.gets(); got != 3 {
		t.Fatalf("ttl=0 must delegate every call, backend saw %d gets", got)
	}
}

// ==============================
// Version ordering (CAS)
// ==============================

func TestUpsertVersionOrdering(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, nil)
	defer st.Close()

	if ok, err := st.Upsert(ctx, featuresKind, "f1", flagDesc(1, "f1")); err != nil || !ok {
		t.Fatalf("upsert v1: ok=%v err=%v", ok, err)
	}
	if ok, err := st.Upsert(ctx, featuresKind, "f1", flagDesc(2, "f1")); err != nil || !ok {
		t.Fatalf("upsert v2: ok=%v err=%v", ok, err)
	}
	if ok, err := st.Upsert(ctx, featuresKind, "f1", flagDesc(1, "f1")); err != nil || ok {
		t.Fatalf("upsert v1 after v2 must be rejected: ok=%v err=%v", ok, err)
	}

	item, found, err := st.Get(ctx, featuresKind, "f1")
	if err != nil || !found || item.Version != 2 {
		t.Fatalf("Get after rejected write: found=%v err=%v item=%+v", found, err, item)
	}
}

func TestUpsertRejectedRefreshesCache(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, nil)
	defer st.Close()

	if err := st.Init(ctx, initData(keyed("f1", flagDesc(1, "f1")))); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Another process moved the backend to v5 behind our back.
	fb.put(t, featuresKind, "f1", flagDesc(5, "f1"))

	ok, err := st.Upsert(ctx, featuresKind, "f1", flagDesc(3, "f1"))
	if err != nil || ok {
		t.Fatalf("upsert v3 over v5 must be rejected: ok=%v err=%v", ok, err)
	}

	// The cache must now hold v5, not the v1 it was primed with.
	item, found, err := st.Get(ctx, featuresKind, "f1")
	if err != nil || !found || item.Version != 5 {
		t.Fatalf("Get after rejection: found=%v err=%v item=%+v", found, err, item)
	}
}

// ==============================
// Staleness policies
// ==============================

func TestEvictPolicyTTLExpiry(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, clk := newTestStore(t, fb, func(o *Options) {
		o.TTL = 30 * time.Second
		o.StalePolicy = Evict
	})
	defer st.Close()

	if err := st.Init(ctx, initData(keyed("flag1", flagDesc(1, "flag1")))); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if item, _, _ := st.Get(ctx, featuresKind, "flag1"); item.Version != 1 {
		t.Fatalf("expected v1 from primed cache, got %+v", item)
	}

	// Backend mutated directly, bypassing this layer.
	fb.put(t, featuresKind, "flag1", flagDesc(2, "flag1"))

	clk.advance(29 * time.Second)
	if item, _, _ := st.Get(ctx, featuresKind, "flag1"); item.Version != 1 {
		t.Fatalf("within TTL the old value must be served, got %+v", item)
	}

	clk.advance(2 * time.Second) // 31s total
	if item, _, _ := st.Get(ctx, featuresKind, "flag1"); item.Version != 2 {
		t.Fatalf("after TTL expiry the new value must be served, got %+v", item)
	}
}

func TestRefreshPolicyMasksReloadFailure(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, clk := newTestStore(t, fb, func(o *Options) { o.StalePolicy = Refresh })
	defer st.Close()

	fb.put(t, featuresKind, "f1", flagDesc(1, "f1"))
	if _, found, err := st.Get(ctx, featuresKind, "f1"); err != nil || !found {
		t.Fatalf("prime: found=%v err=%v", found, err)
	}

	clk.advance(time.Minute)
	fb.setErr(errors.New("boom"), nil, nil, nil)

	item, found, err := st.Get(ctx, featuresKind, "f1")
	if err != nil {
		t.Fatalf("refresh failure must be masked, got error %v", err)
	}
	if !found || item.Version != 1 {
		t.Fatalf("expected previous cached value, got found=%v item=%+v", found, item)
	}
	if st.Status().Available {
		t.Fatalf("masked failure must still mark the store unavailable")
	}

	// Once the backend recovers, the reload succeeds and serves fresh data.
	fb.setErr(nil, nil, nil, nil)
	fb.put(t, featuresKind, "f1", flagDesc(2, "f1"))
	if item, _, _ := st.Get(ctx, featuresKind, "f1"); item.Version != 2 {
		t.Fatalf("expected reloaded value, got %+v", item)
	}
}

func TestRefreshAsyncServesStaleThenFresh(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, clk := newTestStore(t, fb, func(o *Options) { o.StalePolicy = RefreshAsync })
	defer st.Close()

	fb.put(t, featuresKind, "f1", flagDesc(1, "f1"))
	if _, found, err := st.Get(ctx, featuresKind, "f1"); err != nil || !found {
		t.Fatalf("prime: found=%v err=%v", found, err)
	}

	fb.put(t, featuresKind, "f1", flagDesc(2, "f1"))
	clk.advance(time.Minute)

	// Stale read returns immediately with the old value.
	item, found, err := st.Get(ctx, featuresKind, "f1")
	if err != nil || !found || item.Version != 1 {
		t.Fatalf("stale read: found=%v err=%v item=%+v", found, err, item)
	}

	// The background reload eventually replaces it.
	waitFor(t, 2*time.Second, func() bool {
		item, _, _ := st.Get(ctx, featuresKind, "f1")
		return item.Version == 2
	})
}

func TestRefreshAsyncFailureLeavesStaleValue(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, clk := newTestStore(t, fb, func(o *Options) { o.StalePolicy = RefreshAsync })
	defer st.Close()

	fb.put(t, featuresKind, "f1", flagDesc(1, "f1"))
	if _, _, err := st.Get(ctx, featuresKind, "f1"); err != nil {
		t.Fatalf("prime: %v", err)
	}

	clk.advance(time.Minute)
	fb.setErr(errors.New("outage"), nil, nil, nil)

	for i := 0; i < 5; i++ {
		item, found, err := st.Get(ctx, featuresKind, "f1")
		if err != nil || !found || item.Version != 1 {
			t.Fatalf("stale value must survive failed async reloads: found=%v err=%v item=%+v", found, err, item)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ==============================
// Init/Upsert asymmetries
// ==============================

func TestForeverModeInitFailureStillServes(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, func(o *Options) { o.TTL = -1 })
	defer st.Close()

	fb.setErr(nil, nil, errors.New("backend down"), nil)

	data := initData(keyed("f1", flagDesc(1, "f1")), keyed("f2", flagDesc(1, "f2")))
	if err := st.Init(ctx, data); err == nil {
		t.Fatalf("Init must propagate the backend error")
	}

	// Forever mode primed the cache anyway.
	item, found, err := st.Get(ctx, featuresKind, "f1")
	if err != nil || !found || item.Version != 1 {
		t.Fatalf("Get after failed init: found=%v err=%v item=%+v", found, err, item)
	}
	all, err := st.GetAll(ctx, featuresKind)
	if err != nil || len(all) != 2 {
		t.Fatalf("GetAll after failed init: err=%v items=%+v", err, all)
	}
	if !st.IsInitialized(ctx) {
		t.Fatalf("forever mode should consider itself initialized after priming")
	}
}

func TestFiniteModeInitFailureLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, nil)
	defer st.Close()

	fb.setErr(nil, nil, errors.New("backend down"), nil)
	if err := st.Init(ctx, initData(keyed("f1", flagDesc(1, "f1")))); err == nil {
		t.Fatalf("Init must propagate the backend error")
	}

	// Nothing was cached; the read goes to the (empty) backend.
	fb.setErr(nil, nil, nil, nil)
	if _, found, err := st.Get(ctx, featuresKind, "f1"); err != nil || found {
		t.Fatalf("finite init failure must not prime the cache: found=%v err=%v", found, err)
	}
}

func TestUpsertBackendErrorAsymmetry(t *testing.T) {
	ctx := context.Background()

	// Finite TTL: stale cached value stays, error propagates.
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, nil)
	defer st.Close()

	if err := st.Init(ctx, initData(keyed("f1", flagDesc(1, "f1")))); err != nil {
		t.Fatalf("Init: %v", err)
	}
	fb.setErr(nil, nil, nil, errors.New("write failed"))
	if _, err := st.Upsert(ctx, featuresKind, "f1", flagDesc(2, "f1")); err == nil {
		t.Fatalf("upsert error must propagate")
	}
	if item, _, _ := st.Get(ctx, featuresKind, "f1"); item.Version != 1 {
		t.Fatalf("finite cache must keep the old value, got %+v", item)
	}

	// Forever TTL: intended value is written optimistically, error still
	// propagates.
	fb2 := newFakeBackend()
	st2, _ := newTestStore(t, fb2, func(o *Options) { o.TTL = -1 })
	defer st2.Close()

	if err := st2.Init(ctx, initData(keyed("f1", flagDesc(1, "f1")))); err != nil {
		t.Fatalf("Init: %v", err)
	}
	fb2.setErr(nil, nil, nil, errors.New("write failed"))
	if _, err := st2.Upsert(ctx, featuresKind, "f1", flagDesc(2, "f1")); err == nil {
		t.Fatalf("upsert error must propagate")
	}
	if item, _, _ := st2.Get(ctx, featuresKind, "f1"); item.Version != 2 {
		t.Fatalf("forever cache must hold the intended value, got %+v", item)
	}
	all, _ := st2.GetAll(ctx, featuresKind)
	if len(all) != 1 || all[0].Item.Version != 2 {
		t.Fatalf("forever snapshot must be merged, got %+v", all)
	}
}

// ==============================
// Collection snapshots
// ==============================

func TestGetAllInvalidationFiniteVsForever(t *testing.T) {
	ctx := context.Background()

	// Finite: a write drops the snapshot, so the next GetAll also picks up
	// concurrent external changes.
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, nil)
	defer st.Close()

	if err := st.Init(ctx, initData(keyed("f1", flagDesc(1, "f1")))); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if all, _ := st.GetAll(ctx, featuresKind); len(all) != 1 {
		t.Fatalf("snapshot: %+v", all)
	}

	fb.put(t, featuresKind, "external", flagDesc(1, "external"))
	if ok, err := st.Upsert(ctx, featuresKind, "f2", flagDesc(1, "f2")); err != nil || !ok {
		t.Fatalf("upsert: ok=%v err=%v", ok, err)
	}

	all, err := st.GetAll(ctx, featuresKind)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("finite GetAll after write must re-read the backend, got %+v", all)
	}

	// Forever: the write is merged in place; the external change stays
	// invisible.
	fb2 := newFakeBackend()
	st2, _ := newTestStore(t, fb2, func(o *Options) { o.TTL = -1 })
	defer st2.Close()

	if err := st2.Init(ctx, initData(keyed("f1", flagDesc(1, "f1")))); err != nil {
		t.Fatalf("Init: %v", err)
	}
	fb2.put(t, featuresKind, "external", flagDesc(1, "external"))
	if ok, err := st2.Upsert(ctx, featuresKind, "f2", flagDesc(1, "f2")); err != nil || !ok {
		t.Fatalf("upsert: ok=%v err=%v", ok, err)
	}

	all2, err := st2.GetAll(ctx, featuresKind)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	keys := map[string]bool{}
	for _, ki := range all2 {
		keys[ki.Key] = true
	}
	if !keys["f1"] || !keys["f2"] || keys["external"] || len(all2) != 2 {
		t.Fatalf("forever snapshot must merge writes and hide external changes, got %+v", all2)
	}
}

// ==============================
// Misc cache behavior
// ==============================

func TestConfirmedAbsenceIsCached(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, nil)
	defer st.Close()

	for i := 0; i < 3; i++ {
		if _, found, err := st.Get(ctx, featuresKind, "nope"); err != nil || found {
			t.Fatalf("Get: found=%v err=%v", found, err)
		}
	}
	if got := fb.gets(); got != 1 {
		t.Fatalf("absence should be cached, backend saw %d gets", got)
	}
}

func TestTombstoneRoundTrip(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, nil)
	defer st.Close()

	if ok, err := st.Upsert(ctx, featuresKind, "f1", flagDesc(1, "f1")); err != nil || !ok {
		t.Fatalf("upsert: ok=%v err=%v", ok, err)
	}
	if ok, err := st.Upsert(ctx, featuresKind, "f1", storetypes.Tombstone(2)); err != nil || !ok {
		t.Fatalf("delete upsert: ok=%v err=%v", ok, err)
	}

	item, found, err := st.Get(ctx, featuresKind, "f1")
	if err != nil || !found {
		t.Fatalf("tombstone Get: found=%v err=%v", found, err)
	}
	if item.Item != nil || item.Version != 2 {
		t.Fatalf("tombstone: %+v", item)
	}

	// Resurrecting below the tombstone version is rejected.
	if ok, _ := st.Upsert(ctx, featuresKind, "f1", flagDesc(2, "f1")); ok {
		t.Fatalf("equal-version write over tombstone must be rejected")
	}
}

func TestVersionRecoveryFromPayloadOnlyBackend(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.payloadOnly = true
	st, _ := newTestStore(t, fb, nil)
	defer st.Close()

	fb.put(t, featuresKind, "f1", flagDesc(7, "f1"))

	item, found, err := st.Get(ctx, featuresKind, "f1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if item.Version != 7 {
		t.Fatalf("version must be recovered from the payload, got %+v", item)
	}
}

func TestIsInitializedLatching(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, clk := newTestStore(t, fb, nil)
	defer st.Close()

	if st.IsInitialized(ctx) {
		t.Fatalf("uninitialized backend must report false")
	}

	// The false result is cached briefly; flipping the backend is not seen
	// until the recheck interval passes.
	fb.mu.Lock()
	fb.inited = true
	fb.mu.Unlock()
	if st.IsInitialized(ctx) {
		t.Fatalf("false result should be cached within the TTL window")
	}

	clk.advance(31 * time.Second)
	if !st.IsInitialized(ctx) {
		t.Fatalf("recheck after the interval must observe true")
	}

	// True latches even if the backend later claims otherwise.
	fb.mu.Lock()
	fb.inited = false
	fb.mu.Unlock()
	clk.advance(time.Hour)
	if !st.IsInitialized(ctx) {
		t.Fatalf("a store cannot become un-initialized")
	}
}

// ==============================
// Stats
// ==============================

func TestCacheStatsDisabledByDefault(t *testing.T) {
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, nil)
	defer st.Close()

	if _, ok := st.CacheStats(); ok {
		t.Fatalf("stats must be disabled unless configured")
	}
}

func TestCacheStatsCounts(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, clk := newTestStore(t, fb, func(o *Options) { o.RecordStats = true })
	defer st.Close()

	fb.put(t, featuresKind, "f1", flagDesc(1, "f1"))

	st.Get(ctx, featuresKind, "f1") // miss + load success
	st.Get(ctx, featuresKind, "f1") // hit
	st.Get(ctx, featuresKind, "f1") // hit

	clk.advance(time.Minute)
	st.Get(ctx, featuresKind, "f1") // stale -> eviction + miss + load

	fb.setErr(errors.New("down"), nil, nil, nil)
	clk.advance(time.Minute)
	st.Get(ctx, featuresKind, "f1") // stale -> eviction + miss + failed load

	stats, ok := st.CacheStats()
	if !ok {
		t.Fatalf("stats should be enabled")
	}
	if stats.Hits != 2 || stats.Misses != 3 {
		t.Fatalf("hits/misses: %+v", stats)
	}
	if stats.LoadSuccesses != 2 || stats.LoadFailures != 1 {
		t.Fatalf("loads: %+v", stats)
	}
	if stats.Evictions != 2 {
		t.Fatalf("evictions: %+v", stats)
	}
}

// ==============================
// Availability integration
// ==============================

func TestUpsertFailureMarksUnavailableUntilHealthCheckPasses(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, nil)
	defer st.Close()

	impl := st.(*store)
	impl.status.pollInterval = 10 * time.Millisecond

	fb.setAvailable(false)

	// Fail the second upsert.
	if ok, err := st.Upsert(ctx, featuresKind, "f1", flagDesc(1, "f1")); err != nil || !ok {
		t.Fatalf("first upsert: ok=%v err=%v", ok, err)
	}
	fb.setErr(nil, nil, nil, errors.New("io error"))
	if _, err := st.Upsert(ctx, featuresKind, "f1", flagDesc(2, "f1")); err == nil {
		t.Fatalf("expected upsert error")
	}

	if st.Status().Available {
		t.Fatalf("availability must be false immediately after the failure")
	}

	// Stays false while the health check fails.
	time.Sleep(50 * time.Millisecond)
	if st.Status().Available {
		t.Fatalf("availability must stay false until the health check passes")
	}

	fb.setAvailable(true)
	waitFor(t, 2*time.Second, func() bool { return st.Status().Available })
}

// ==============================
// Lifecycle
// ==============================

func TestCloseIsIdempotent(t *testing.T) {
	fb := newFakeBackend()
	st, _ := newTestStore(t, fb, func(o *Options) { o.StalePolicy = RefreshAsync })

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.closeCalls != 1 {
		t.Fatalf("backend must be closed exactly once, got %d", fb.closeCalls)
	}
}
