package retained

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/bucketstore/chunk"
	"github.com/wolfeidau/bucketstore/store/localstore"
	"github.com/wolfeidau/bucketstore/store/payload"
	"github.com/wolfeidau/bucketstore/writer"
)

// recordingStore counts every call reaching the local store.
type recordingStore struct {
	localstore.Store

	mu    sync.Mutex
	calls int
	puts  map[int]int

	panicOnPut atomic.Bool
}

func (s *recordingStore) record(bucket int, put bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if put {
		s.puts[bucket]++
	}
}

func (s *recordingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *recordingStore) Puts() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]int, len(s.puts))
	for b, n := range s.puts {
		out[b] = n
	}
	return out
}

func (s *recordingStore) Get(key string, bucket int) ([]byte, error) {
	s.record(bucket, false)
	return s.Store.Get(key, bucket)
}

func (s *recordingStore) Put(key string, value []byte, bucket int) error {
	s.record(bucket, true)
	if s.panicOnPut.Load() {
		panic("put " + key)
	}
	return s.Store.Put(key, value, bucket)
}

func (s *recordingStore) Remove(key string, bucket int) error {
	s.record(bucket, false)
	return s.Store.Remove(key, bucket)
}

func (s *recordingStore) Iterate(bucket int, from string, maxResults int) ([]localstore.Entry, error) {
	s.record(bucket, false)
	return s.Store.Iterate(bucket, from, maxResults)
}

func (s *recordingStore) ForEach(bucket int, fn func(string, []byte) error) error {
	s.record(bucket, false)
	return s.Store.ForEach(bucket, fn)
}

// recordingPayloads counts reference changes on the payload store.
type recordingPayloads struct {
	*payload.Bolt

	mu         sync.Mutex
	increments int
	decrements int
}

func (p *recordingPayloads) Add(ctx context.Context, data []byte, id uint64) error {
	p.mu.Lock()
	p.increments++
	p.mu.Unlock()
	return p.Bolt.Add(ctx, data, id)
}

func (p *recordingPayloads) IncrementReferenceCounter(ctx context.Context, id uint64) error {
	p.mu.Lock()
	p.increments++
	p.mu.Unlock()
	return p.Bolt.IncrementReferenceCounter(ctx, id)
}

func (p *recordingPayloads) DecrementReferenceCounter(ctx context.Context, id uint64) error {
	p.mu.Lock()
	p.decrements++
	p.mu.Unlock()
	return p.Bolt.DecrementReferenceCounter(ctx, id)
}

func (p *recordingPayloads) Counts() (increments, decrements int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.increments, p.decrements
}

type fixture struct {
	p        *Persistence
	w        *writer.Writer
	store    *recordingStore
	payloads *recordingPayloads
}

func newFixture(t *testing.T, cfg Config, localOpts ...LocalOption) *fixture {
	t.Helper()
	dir := t.TempDir()

	ls, err := localstore.Open(localstore.EngineBolt, filepath.Join(dir, "retained"), "retained", 4, localstore.WithNoSync())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	pb, err := payload.OpenBolt(filepath.Join(dir, "payloads.db"), payload.WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pb.Close() })

	wcfg := writer.DefaultConfig()
	wcfg.BucketCount = 4
	wcfg.Threads = 2
	wcfg.ShutdownGracePeriod = time.Second
	wcfg.CheckInterval = 10 * time.Millisecond
	w, err := writer.New(wcfg, []string{ProducerName})
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	f := &fixture{
		w:        w,
		store:    &recordingStore{Store: ls, puts: make(map[int]int)},
		payloads: &recordingPayloads{Bolt: pb},
	}
	local := NewLocalPersistence(f.store, f.payloads, localOpts...)
	f.p, err = New(w, local, f.payloads, cfg)
	require.NoError(t, err)
	return f
}

func wait[T any](t *testing.T, f *writer.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func mustWait[T any](t *testing.T, f *writer.Future[T]) T {
	t.Helper()
	v, err := wait(t, f)
	require.NoError(t, err)
	return v
}

func (f *fixture) refCount(t *testing.T, id uint64) uint64 {
	t.Helper()
	n, err := f.payloads.RefCount(context.Background(), id)
	require.NoError(t, err)
	return n
}

func message(payload string, id uint64) *Message {
	return &Message{Payload: []byte(payload), PayloadID: id, QoS: 1, Timestamp: time.Now()}
}

func TestNew_Validation(t *testing.T) {
	dir := t.TempDir()
	ls, err := localstore.Open(localstore.EngineBolt, dir, "retained", 8, localstore.WithNoSync())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ls.Close() })

	cfg := writer.DefaultConfig()
	cfg.BucketCount = 4

	w, err := writer.New(cfg, []string{"other"})
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	_, err = New(w, NewLocalPersistence(ls, nil), nil, Config{})
	require.ErrorIs(t, err, writer.ErrUnknownProducer)

	w2, err := writer.New(cfg, []string{ProducerName})
	require.NoError(t, err)
	t.Cleanup(w2.Stop)
	_, err = New(w2, NewLocalPersistence(ls, nil), nil, Config{})
	require.ErrorIs(t, err, ErrBucketMismatch)
}

func TestPersistence_RejectsInvalidArgumentsWithoutTouchingStores(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := wait(t, f.p.Get(""))
	require.ErrorIs(t, err, ErrNilTopic)

	_, err = wait(t, f.p.Get("sensors/#"))
	require.ErrorIs(t, err, ErrIllegalWildcard)

	_, err = wait(t, f.p.Persist("", message("x", 1)))
	require.ErrorIs(t, err, ErrNilTopic)

	_, err = wait(t, f.p.Persist("topic", nil))
	require.ErrorIs(t, err, ErrNilMessage)

	_, err = wait(t, f.p.Persist("sensors/+/temp", message("x", 1)))
	require.ErrorIs(t, err, ErrIllegalWildcard)

	_, err = wait(t, f.p.Remove(""))
	require.ErrorIs(t, err, ErrNilTopic)

	_, err = wait(t, f.p.GetWithWildcards("topic"))
	require.ErrorIs(t, err, ErrMissingWildcard)

	_, err = wait(t, f.p.GetWithWildcards(""))
	require.ErrorIs(t, err, ErrNilTopic)

	assert.Zero(t, f.store.Calls())
	inc, dec := f.payloads.Counts()
	assert.Zero(t, inc)
	assert.Zero(t, dec)
}

func TestPersistence_PersistWritesOnceToTopicBucket(t *testing.T) {
	f := newFixture(t, Config{})

	mustWait(t, f.p.Persist("topic", message("21.5", 7)))

	inc, dec := f.payloads.Counts()
	assert.Equal(t, 1, inc)
	assert.Zero(t, dec)
	assert.Equal(t, map[int]int{f.p.BucketOf("topic"): 1}, f.store.Puts())
	assert.EqualValues(t, 1, f.refCount(t, 7))
}

func TestPersistence_AssignsPayloadIDs(t *testing.T) {
	f := newFixture(t, Config{})

	mustWait(t, f.p.Persist("a", &Message{Payload: []byte("one")}))
	mustWait(t, f.p.Persist("b", &Message{Payload: []byte("two")}))

	a := mustWait(t, f.p.Get("a"))
	b := mustWait(t, f.p.Get("b"))
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotZero(t, a.PayloadID)
	assert.NotEqual(t, a.PayloadID, b.PayloadID)
	assert.False(t, a.Timestamp.IsZero())
}

func TestPersistence_GetTakesPayloadReference(t *testing.T) {
	f := newFixture(t, Config{})

	got := mustWait(t, f.p.Get("missing"))
	assert.Nil(t, got)

	mustWait(t, f.p.Persist("home/temp", message("21.5", 1)))

	got = mustWait(t, f.p.Get("home/temp"))
	require.NotNil(t, got)
	assert.Equal(t, []byte("21.5"), got.Payload)
	assert.EqualValues(t, 1, got.QoS)
	assert.EqualValues(t, 2, f.refCount(t, 1))

	require.NoError(t, f.p.Release(context.Background(), got))
	assert.EqualValues(t, 1, f.refCount(t, 1))

	require.ErrorIs(t, f.p.Release(context.Background(), nil), ErrNilMessage)
}

func TestPersistence_ReplaceAndRemoveReleasePayloads(t *testing.T) {
	f := newFixture(t, Config{})

	mustWait(t, f.p.Persist("t", message("old", 1)))
	mustWait(t, f.p.Persist("t", message("new", 2)))
	assert.Zero(t, f.refCount(t, 1))
	assert.EqualValues(t, 1, f.refCount(t, 2))

	got := mustWait(t, f.p.Get("t"))
	require.NotNil(t, got)
	assert.Equal(t, []byte("new"), got.Payload)
	require.NoError(t, f.p.Release(context.Background(), got))

	mustWait(t, f.p.Remove("t"))
	assert.Zero(t, f.refCount(t, 2))
	assert.Nil(t, mustWait(t, f.p.Get("t")))

	// Removing again is a no-op.
	mustWait(t, f.p.Remove("t"))
	_, dec := f.payloads.Counts()
	assert.Equal(t, 3, dec)
}

func TestPersistence_SameTopicAppliesInSubmissionOrder(t *testing.T) {
	f := newFixture(t, Config{})

	var last *writer.Future[struct{}]
	for i := 1; i <= 50; i++ {
		last = f.p.Persist("counter", message(fmt.Sprint(i), uint64(i)))
	}
	mustWait(t, last)

	got := mustWait(t, f.p.Get("counter"))
	require.NotNil(t, got)
	assert.Equal(t, []byte("50"), got.Payload)
}

func TestPersistence_GetWithWildcards(t *testing.T) {
	f := newFixture(t, Config{})

	topics := []string{
		"sensors/kitchen/temp",
		"sensors/hall/temp",
		"sensors/hall/humidity",
		"sensors/garage/temp",
		"$SYS/uptime",
	}
	for i, topic := range topics {
		mustWait(t, f.p.Persist(topic, message("v", uint64(i+1))))
	}

	got := mustWait(t, f.p.GetWithWildcards("sensors/+/temp"))
	assert.Equal(t, []string{"sensors/garage/temp", "sensors/hall/temp", "sensors/kitchen/temp"}, got)

	all := mustWait(t, f.p.GetWithWildcards("#"))
	assert.Len(t, all, 4)
	assert.NotContains(t, all, "$SYS/uptime")
}

func TestPersistence_SizeAndClear(t *testing.T) {
	f := newFixture(t, Config{})

	for i := 0; i < 20; i++ {
		mustWait(t, f.p.Persist(fmt.Sprintf("t/%d", i), message("v", uint64(i+1))))
	}
	assert.Equal(t, 20, mustWait(t, f.p.Size()))

	mustWait(t, f.p.Clear())
	assert.Zero(t, mustWait(t, f.p.Size()))
	for i := 0; i < 20; i++ {
		assert.Zero(t, f.refCount(t, uint64(i+1)))
	}
}

func TestPersistence_Expiry(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := newFixture(t, Config{}, WithClock(clock))

	expiring := &Message{Payload: []byte("soon gone"), PayloadID: 1, Timestamp: base, MessageExpiryInterval: 60}
	mustWait(t, f.p.Persist("a/expiring", expiring))
	mustWait(t, f.p.Persist("a/forever", &Message{Payload: []byte("stays"), PayloadID: 2, Timestamp: base}))

	got := mustWait(t, f.p.Get("a/expiring"))
	require.NotNil(t, got)
	require.NoError(t, f.p.Release(context.Background(), got))

	mu.Lock()
	now = base.Add(2 * time.Minute)
	mu.Unlock()

	assert.Nil(t, mustWait(t, f.p.Get("a/expiring")))
	assert.Equal(t, []string{"a/forever"}, mustWait(t, f.p.GetWithWildcards("a/#")))
	assert.Equal(t, 2, mustWait(t, f.p.Size()))

	scheduler := NewCleanupScheduler(f.p, time.Hour, nil)
	assert.Equal(t, 1, scheduler.RunOnce(context.Background()))
	assert.Equal(t, 1, mustWait(t, f.p.Size()))
	assert.Zero(t, f.refCount(t, 1))
	assert.EqualValues(t, 1, f.refCount(t, 2))

	assert.Zero(t, mustWait(t, f.p.CleanUpAll()))
}

func TestPersistence_CleanUpInvalidBucket(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := wait(t, f.p.CleanUp(f.p.Buckets()))
	require.ErrorIs(t, err, writer.ErrInvalidBucket)
}

func TestPersistence_ChunkExportReturnsEveryMessageOnce(t *testing.T) {
	f := newFixture(t, Config{
		MaxChunkMemory: 2048,
		Chunk:          chunk.Config{EntryEstimateBytes: 128, MaxResultsPerBucket: 10},
	})

	const n = 150
	for i := 0; i < n; i++ {
		mustWait(t, f.p.Persist(fmt.Sprintf("devices/%03d/state", i), message(fmt.Sprintf("state-%d", i), uint64(i+1))))
	}

	seen := make(map[string]int)
	cursor := chunk.Cursor{}
	for calls := 0; ; calls++ {
		require.Less(t, calls, 1000, "export did not finish")

		result := mustWait(t, f.p.GetAllLocalRetainedMessagesChunk(cursor))
		for _, entries := range result.Values {
			for _, e := range entries {
				seen[e.Topic]++
				var i int
				_, err := fmt.Sscanf(e.Topic, "devices/%03d/state", &i)
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("state-%d", i), string(e.Message.Payload))
			}
		}
		if result.Finished {
			break
		}

		// Resume from the serialized token as a remote caller would.
		token, err := result.Cursor.MarshalText()
		require.NoError(t, err)
		cursor, err = chunk.ParseCursor(string(token))
		require.NoError(t, err)
	}

	require.Len(t, seen, n)
	for topic, count := range seen {
		assert.Equal(t, 1, count, topic)
	}

	// Export reads payloads without taking references.
	assert.EqualValues(t, 1, f.refCount(t, 1))
}

func TestPersistence_PersistAfterStopReleasesPayload(t *testing.T) {
	f := newFixture(t, Config{})
	f.w.Stop()

	_, err := wait(t, f.p.Persist("topic", message("late", 9)))
	require.ErrorIs(t, err, writer.ErrShutdown)

	require.Eventually(t, func() bool {
		return f.refCount(t, 9) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, f.store.Calls())
}

func TestPersistence_PersistPanicReleasesPayload(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.panicOnPut.Store(true)

	_, err := wait(t, f.p.Persist("topic", message("boom", 11)))
	require.ErrorIs(t, err, writer.ErrTaskPanic)

	require.Eventually(t, func() bool {
		return f.refCount(t, 11) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestPersistence_Discard(t *testing.T) {
	f := newFixture(t, Config{})
	mustWait(t, f.p.Persist("a/b", message("v", 7)))
	require.EqualValues(t, 1, f.refCount(t, 7))

	t.Run("queued get is cancelled", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		blocker := writer.SubmitBucket(f.w.Producer(ProducerName), f.p.BucketOf("a/b"), func(int) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
		<-started

		g := f.p.Get("a/b")
		f.p.Discard(g)
		assert.True(t, g.Cancelled())

		close(release)
		mustWait(t, blocker)
		mustWait(t, f.p.Size())
		assert.EqualValues(t, 1, f.refCount(t, 7))
	})

	t.Run("resolved get is released", func(t *testing.T) {
		g := f.p.Get("a/b")
		msg := mustWait(t, g)
		require.NotNil(t, msg)
		require.EqualValues(t, 2, f.refCount(t, 7))

		f.p.Discard(g)
		require.Eventually(t, func() bool {
			return f.refCount(t, 7) == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("miss holds nothing", func(t *testing.T) {
		g := f.p.Get("a/none")
		assert.Nil(t, mustWait(t, g))
		f.p.Discard(g)
		assert.EqualValues(t, 1, f.refCount(t, 7))
	})
}

func TestPersistence_CloseDB(t *testing.T) {
	f := newFixture(t, Config{})
	mustWait(t, f.p.Persist("topic", message("v", 1)))
	mustWait(t, f.p.CloseDB())

	_, err := wait(t, f.p.Get("topic"))
	require.ErrorIs(t, err, localstore.ErrClosed)
}
