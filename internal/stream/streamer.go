// Package stream implements the byte streamer: metadata resolution, range
// arithmetic (range.go), and chunk-aligned fetching from a per-DC session
// pool, yielded as a lazy, cancellation-aware sequence of byte slices.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/jroosing/streamgate/internal/apierr"
	"github.com/jroosing/streamgate/internal/cache"
	"github.com/jroosing/streamgate/internal/rpc"
	"github.com/jroosing/streamgate/internal/upstream"
)

const (
	chunkFetchTimeout    = 20 * time.Second
	chunkFetchRetries    = 3
	metadataResolveTries = 3
	failureCooldownTTL   = 5 * time.Minute
	resolveGenericSleep  = 1 * time.Second
	cachedIDsSweep       = 30 * time.Minute
)

// Streamer implements resolve/stream per spec.md S4.4. It owns the
// metadata cache (the file-metadata half of C1) and routes per-DC session
// acquisition through one upstream.Pool per upstream client.
type Streamer struct {
	store MetadataStore
	meta  *cache.Cache[string, FileMetadata]
	// failureCooldown marks db_ids whose resolution failed recently, so
	// repeated requests fail fast instead of re-hammering the store.
	failureCooldown *cache.Cache[string, struct{}]

	pools    map[int]*upstream.Pool // client id -> per-DC session pool
	balancer Balancer

	chunkSize int64
	logger    *slog.Logger

	cachedIDsMu sync.Mutex
	cachedIDs   map[string]bool

	cancel context.CancelFunc
}

// Config bundles the Streamer's dependencies and tunables.
type Config struct {
	Store       MetadataStore
	Pools       map[int]*upstream.Pool
	Balancer    Balancer
	ChunkSize   int64
	MetadataTTL time.Duration
	MetadataCap int
	Logger      *slog.Logger
}

// New creates a Streamer and starts its background cached-id sweeper.
func New(cfg Config) *Streamer {
	s := &Streamer{
		store:           cfg.Store,
		meta:            cache.New[string, FileMetadata](cfg.MetadataCap, cfg.MetadataTTL, cfg.Logger),
		failureCooldown: cache.New[string, struct{}](cfg.MetadataCap, failureCooldownTTL, cfg.Logger),
		pools:           cfg.Pools,
		balancer:        cfg.Balancer,
		chunkSize:       cfg.ChunkSize,
		logger:          cfg.Logger,
		cachedIDs:       map[string]bool{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.sweepCachedIDsLoop(ctx)
	return s
}

// Close stops the Streamer's background tasks and underlying caches.
func (s *Streamer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.meta.Close()
	s.failureCooldown.Close()
}

// Resolve returns the FileMetadata for dbID, consulting the metadata
// cache first, then the failure-cooldown table, then the external store
// with up to 3 attempts (sleeping on FloodWait, 1s on generic errors).
func (s *Streamer) Resolve(ctx context.Context, dbID string) (FileMetadata, error) {
	if m, ok := s.meta.Get(dbID); ok {
		return m, nil
	}

	if _, cooling := s.failureCooldown.Get(dbID); cooling {
		return FileMetadata{}, apierr.ErrUnavailable
	}

	var lastErr error
	for attempt := 0; attempt < metadataResolveTries; attempt++ {
		if ctx.Err() != nil {
			return FileMetadata{}, ctx.Err()
		}

		rec, err := s.store.GetFile(ctx, dbID)
		if err == nil {
			m := FileMetadata{
				DBID:          dbID,
				Location:      rec.Location,
				Size:          rec.FileSize,
				MIME:          rec.MimeType,
				Name:          rec.FileName,
				ClientHandles: rec.ClientFileIDs,
			}
			s.meta.Put(dbID, m)
			s.markCachedID(dbID)
			return m, nil
		}
		lastErr = err

		var fw *apierr.FloodWaitError
		if errors.As(err, &fw) {
			sleepCtx(ctx, time.Duration(fw.Seconds)*time.Second)
			continue
		}
		if errors.Is(err, apierr.ErrNotFound) || errors.Is(err, apierr.ErrInvalidHash) {
			return FileMetadata{}, err
		}
		sleepCtx(ctx, resolveGenericSleep)
	}

	s.failureCooldown.PutTTL(dbID, struct{}{}, failureCooldownTTL)
	if lastErr == nil {
		lastErr = apierr.ErrUnavailable
	}
	return FileMetadata{}, fmt.Errorf("resolve %s: %w", dbID, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (s *Streamer) markCachedID(dbID string) {
	s.cachedIDsMu.Lock()
	defer s.cachedIDsMu.Unlock()
	s.cachedIDs[dbID] = true
}

// sweepCachedIDsLoop clears the cached-file-ids map every 30 minutes; the
// failure-cooldown cache's own sweeper handles its expired entries.
func (s *Streamer) sweepCachedIDsLoop(ctx context.Context) {
	ticker := time.NewTicker(cachedIDsSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cachedIDsMu.Lock()
			s.cachedIDs = map[string]bool{}
			s.cachedIDsMu.Unlock()
		}
	}
}

// Stream returns a lazy sequence of byte chunks covering spec (a
// chunk-aligned plan computed by ComputeRange) for metadata m served
// through clientID's session pool. Each yielded pair is (chunk, nil) on
// success; a non-nil error on the final yield indicates the first part
// failed and the caller should surface it. WorkLoad[clientID] is
// incremented on entry and decremented exactly once on exit, regardless
// of how the sequence terminates.
func (s *Streamer) Stream(ctx context.Context, m FileMetadata, clientID int, spec RangeSpec) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		s.balancer.IncWorkload(clientID)
		defer s.balancer.DecWorkload(clientID)

		pool := s.pools[clientID]
		if pool == nil {
			yield(nil, fmt.Errorf("stream: no session pool registered for client %d", clientID))
			return
		}

		loc := m.LocationFor(clientID)
		sess, err := pool.Acquire(ctx, loc.DCID)
		if err != nil {
			yield(nil, err)
			return
		}
		defer pool.Release(sess)

		start := time.Now()
		offset := spec.Offset

		for part := 1; part <= spec.PartCount; part++ {
			if ctx.Err() != nil {
				return
			}

			result, err := s.fetchChunk(ctx, pool, sess, loc, offset)
			if err != nil {
				if part == 1 {
					yield(nil, err)
					return
				}
				if s.logger != nil {
					s.logger.Warn("stream truncated after retry exhaustion", "db_id", m.DBID, "part", part, "client_id", clientID)
				}
				return
			}

			out := sliceForPart(result.Bytes, part, spec)
			if !yield(out, nil) {
				return // consumer cancelled (client disconnect)
			}
			offset += s.chunkSize
		}

		s.balancer.RecordResponseTime(clientID, time.Since(start).Seconds())
		s.balancer.MarkHealthy(clientID)
	}
}

// sliceForPart applies the first/last/interior trimming rules of
// spec.md S4.4 to a raw chunk.
func sliceForPart(data []byte, part int, spec RangeSpec) []byte {
	last := clampInt64(spec.LastCut, 0, int64(len(data)))
	first := clampInt64(spec.FirstCut, 0, int64(len(data)))

	switch {
	case spec.PartCount == 1:
		if first > last {
			first = last
		}
		return data[first:last]
	case part == 1:
		return data[first:]
	case part == spec.PartCount:
		return data[:last]
	default:
		return data
	}
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// fetchChunk performs one chunk-aligned GetFile call with a 20s timeout,
// retrying transient failures up to chunkFetchRetries times and
// incrementing the session's retry counter on each failure.
func (s *Streamer) fetchChunk(ctx context.Context, pool *upstream.Pool, sess *upstream.Session, loc rpc.Location, offset int64) (rpc.GetFileResult, error) {
	var lastErr error
	for attempt := 0; attempt < chunkFetchRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, chunkFetchTimeout)
		result, err := sess.GetFile(callCtx, loc, offset, s.chunkSize)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !apierr.Transient(err) {
			return rpc.GetFileResult{}, err
		}
		pool.RecordRPCError(sess)
		pool.HandleSocketError(ctx, sess)
	}
	return rpc.GetFileResult{}, lastErr
}
