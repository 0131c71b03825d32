package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jroosing/streamgate/internal/apierr"
	"github.com/jroosing/streamgate/internal/rpc"
	"github.com/jroosing/streamgate/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory MetadataStore test double.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]StoreRecord
	errs     map[string][]error // queued errors, consumed in order, before falling through to records
	getCalls int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]StoreRecord{}, errs: map[string][]error{}}
}

func (f *fakeStore) GetFile(ctx context.Context, dbID string) (StoreRecord, error) {
	atomic.AddInt32(&f.getCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.errs[dbID]; len(q) > 0 {
		f.errs[dbID] = q[1:]
		return StoreRecord{}, q[0]
	}
	rec, ok := f.records[dbID]
	if !ok {
		return StoreRecord{}, apierr.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) UpdateFileIDs(ctx context.Context, dbID string, handles map[int]rpc.Location) error {
	return nil
}

// fakeBalancer records calls without any scoring logic.
type fakeBalancer struct {
	mu          sync.Mutex
	incs        int
	decs        int
	healthy     int
	unhealthy   int
	responseObs int
}

func (b *fakeBalancer) IncWorkload(id int) { b.mu.Lock(); b.incs++; b.mu.Unlock() }
func (b *fakeBalancer) DecWorkload(id int) { b.mu.Lock(); b.decs++; b.mu.Unlock() }
func (b *fakeBalancer) RecordResponseTime(id int, seconds float64) {
	b.mu.Lock()
	b.responseObs++
	b.mu.Unlock()
}
func (b *fakeBalancer) MarkHealthy(id int)   { b.mu.Lock(); b.healthy++; b.mu.Unlock() }
func (b *fakeBalancer) MarkUnhealthy(id int) { b.mu.Lock(); b.unhealthy++; b.mu.Unlock() }

// fakeConn implements rpc.Conn with scripted per-offset failures.
type fakeConn struct {
	dcID     int
	mu       sync.Mutex
	failN    map[int64]int // offset -> number of times to fail before succeeding
	chunkLen int64
}

func (c *fakeConn) DCID() int { return c.dcID }
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) GetFile(ctx context.Context, loc rpc.Location, offset, limit int64) (rpc.GetFileResult, error) {
	c.mu.Lock()
	remaining := c.failN[offset]
	if remaining > 0 {
		c.failN[offset] = remaining - 1
	}
	c.mu.Unlock()
	if remaining > 0 {
		return rpc.GetFileResult{}, io.ErrUnexpectedEOF
	}
	return rpc.GetFileResult{Bytes: make([]byte, limit)}, nil
}

type fakeTransport struct {
	conn *fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context, dcID int, authKey []byte) (rpc.Conn, error) {
	return t.conn, nil
}
func (t *fakeTransport) ExportAuthorization(ctx context.Context, home rpc.Conn, targetDC int) (rpc.AuthExport, error) {
	return rpc.AuthExport{}, nil
}
func (t *fakeTransport) ImportAuthorization(ctx context.Context, target rpc.Conn, auth rpc.AuthExport) error {
	return nil
}
func (t *fakeTransport) StreamMedia(ctx context.Context, fileID string) ([]byte, error) {
	return nil, nil
}
func (t *fakeTransport) GetMessages(ctx context.Context, channelID int64, msgID int) (rpc.Message, error) {
	return rpc.Message{}, nil
}
func (t *fakeTransport) SendCachedMedia(ctx context.Context, chatID int64, fileID string) (rpc.Message, error) {
	return rpc.Message{}, nil
}

func newTestStreamer(t *testing.T, store MetadataStore, bal Balancer, conn *fakeConn) (*Streamer, func()) {
	t.Helper()
	pool := upstream.NewPool(&fakeTransport{conn: conn}, 1, conn.dcID, []byte("key"), nil)
	s := New(Config{
		Store:       store,
		Pools:       map[int]*upstream.Pool{1: pool},
		Balancer:    bal,
		ChunkSize:   testChunkSize,
		MetadataTTL: time.Minute,
		MetadataCap: 100,
	})
	return s, func() {
		s.Close()
		pool.Stop()
	}
}

func TestResolveCachesSuccessfulLookup(t *testing.T) {
	store := newFakeStore()
	store.records["f1"] = StoreRecord{FileID: "f1", FileSize: testSize, Location: rpc.Location{DCID: 2}}
	s, cleanup := newTestStreamer(t, store, &fakeBalancer{}, &fakeConn{dcID: 2, failN: map[int64]int{}})
	defer cleanup()

	m, err := s.Resolve(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(testSize), m.Size)

	_, err = s.Resolve(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.getCalls, "second resolve should hit the metadata cache, not the store")
}

func TestResolveNotFoundDoesNotRetry(t *testing.T) {
	store := newFakeStore()
	s, cleanup := newTestStreamer(t, store, &fakeBalancer{}, &fakeConn{dcID: 2, failN: map[int64]int{}})
	defer cleanup()

	_, err := s.Resolve(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrNotFound))
	assert.Equal(t, int32(1), store.getCalls)
}

func TestResolveRetriesGenericErrorThenCoolsDown(t *testing.T) {
	store := newFakeStore()
	store.errs["flaky"] = []error{errors.New("transient"), errors.New("transient"), errors.New("transient")}
	s, cleanup := newTestStreamer(t, store, &fakeBalancer{}, &fakeConn{dcID: 2, failN: map[int64]int{}})
	defer cleanup()

	start := time.Now()
	_, err := s.Resolve(context.Background(), "flaky")
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 2*resolveGenericSleep)
	assert.Equal(t, int32(metadataResolveTries), store.getCalls)

	// Subsequent calls fail fast from the failure-cooldown cache without
	// consulting the store again.
	_, err = s.Resolve(context.Background(), "flaky")
	require.Error(t, err)
	assert.Equal(t, int32(metadataResolveTries), store.getCalls)
}

// TestStreamFullSequence mirrors scenario E1 at the streamer level: a
// clean two-part fetch with no failures.
func TestStreamFullSequence(t *testing.T) {
	conn := &fakeConn{dcID: 2, failN: map[int64]int{}}
	bal := &fakeBalancer{}
	s, cleanup := newTestStreamer(t, newFakeStore(), bal, conn)
	defer cleanup()

	m := FileMetadata{DBID: "f1", Size: testSize, Location: rpc.Location{DCID: 2}}
	spec, err := ComputeRange(0, testSize-1, testSize, testChunkSize)
	require.NoError(t, err)

	var total int
	for chunk, err := range s.Stream(context.Background(), m, 1, spec) {
		require.NoError(t, err)
		total += len(chunk)
	}
	assert.Equal(t, testSize, total)

	bal.mu.Lock()
	defer bal.mu.Unlock()
	assert.Equal(t, 1, bal.incs)
	assert.Equal(t, 1, bal.decs, "workload must be decremented exactly once regardless of outcome")
	assert.Equal(t, 1, bal.healthy)
}

// TestStreamFirstChunkFailurePropagates mirrors the case where the very
// first fetch fails: the caller must see the error.
func TestStreamFirstChunkFailurePropagates(t *testing.T) {
	conn := &fakeConn{dcID: 2, failN: map[int64]int{0: chunkFetchRetries}}
	bal := &fakeBalancer{}
	s, cleanup := newTestStreamer(t, newFakeStore(), bal, conn)
	defer cleanup()

	m := FileMetadata{DBID: "f1", Size: testSize, Location: rpc.Location{DCID: 2}}
	spec, err := ComputeRange(0, testSize-1, testSize, testChunkSize)
	require.NoError(t, err)

	var sawErr bool
	for _, err := range s.Stream(context.Background(), m, 1, spec) {
		if err != nil {
			sawErr = true
		}
	}
	assert.True(t, sawErr)

	bal.mu.Lock()
	defer bal.mu.Unlock()
	assert.Equal(t, 1, bal.decs)
}

// TestStreamTruncatesAfterFirstPartSucceeds verifies that if a
// later part fails persistently, the stream ends cleanly (no error
// yielded) after delivering the parts it could.
func TestStreamTruncatesAfterFirstPartSucceeds(t *testing.T) {
	conn := &fakeConn{dcID: 2, failN: map[int64]int{testChunkSize: chunkFetchRetries}}
	bal := &fakeBalancer{}
	s, cleanup := newTestStreamer(t, newFakeStore(), bal, conn)
	defer cleanup()

	m := FileMetadata{DBID: "f1", Size: testSize, Location: rpc.Location{DCID: 2}}
	spec, err := ComputeRange(0, testSize-1, testSize, testChunkSize)
	require.NoError(t, err)
	require.Equal(t, 2, spec.PartCount)

	var parts int
	var sawErr bool
	for chunk, err := range s.Stream(context.Background(), m, 1, spec) {
		if err != nil {
			sawErr = true
			continue
		}
		parts++
		_ = chunk
	}
	assert.False(t, sawErr, "truncation after at least one delivered part must not surface an error")
	assert.Equal(t, 1, parts)

	bal.mu.Lock()
	defer bal.mu.Unlock()
	assert.Equal(t, 1, bal.decs)
	assert.Equal(t, 0, bal.healthy, "a truncated stream must not be recorded as a healthy completion")
}

// TestStreamCancellationStopsCleanly verifies that a consumer returning
// false from the iterator (simulating client disconnect) halts the
// sequence without further fetches.
func TestStreamCancellationStopsCleanly(t *testing.T) {
	conn := &fakeConn{dcID: 2, failN: map[int64]int{}}
	bal := &fakeBalancer{}
	s, cleanup := newTestStreamer(t, newFakeStore(), bal, conn)
	defer cleanup()

	m := FileMetadata{DBID: "f1", Size: testSize, Location: rpc.Location{DCID: 2}}
	spec, err := ComputeRange(0, testSize-1, testSize, testChunkSize)
	require.NoError(t, err)
	require.Equal(t, 2, spec.PartCount)

	var parts int
	for chunk, err := range s.Stream(context.Background(), m, 1, spec) {
		require.NoError(t, err)
		_ = chunk
		parts++
		break // consumer stops after the first part
	}
	assert.Equal(t, 1, parts)

	bal.mu.Lock()
	defer bal.mu.Unlock()
	assert.Equal(t, 1, bal.decs)
	assert.Equal(t, 0, bal.healthy, "a cancelled stream must not be recorded as a healthy completion")
}

func TestStreamNoPoolRegisteredForClient(t *testing.T) {
	conn := &fakeConn{dcID: 2, failN: map[int64]int{}}
	bal := &fakeBalancer{}
	s, cleanup := newTestStreamer(t, newFakeStore(), bal, conn)
	defer cleanup()

	m := FileMetadata{DBID: "f1", Size: testSize, Location: rpc.Location{DCID: 2}}
	spec, err := ComputeRange(0, testSize-1, testSize, testChunkSize)
	require.NoError(t, err)

	var sawErr bool
	for _, err := range s.Stream(context.Background(), m, 42, spec) {
		if err != nil {
			sawErr = true
		}
	}
	assert.True(t, sawErr)
}
