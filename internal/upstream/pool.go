// Package upstream implements the per-DC session pool: authenticated RPC
// sessions borrowed for the duration of a stream, with retry counters,
// socket-error cooldown, and background cleanup/health-check tasks.
package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jroosing/streamgate/internal/apierr"
	"github.com/jroosing/streamgate/internal/rpc"
)

const (
	maxSessionsPerDC    = 5
	maxRetries          = 3
	socketErrThreshold  = 5
	cooldownDuration    = 300 * time.Second
	acquireWaitTotal    = 10 * time.Second
	acquirePollEvery    = 1 * time.Second
	cleanInterval       = 300 * time.Second
	healthCheckInterval = 600 * time.Second
	authImportRetries   = 6
)

// Session is an authenticated RPC channel bound to a specific DC,
// belonging to one upstream client. State machine: Fresh -> InUse ->
// Idle -> Cooldown -> Closed, per spec.md S4.3.
type Session struct {
	mu            sync.Mutex
	conn          rpc.Conn
	dcID          int
	inUse         bool
	retryCount    int
	socketErrors  int
	cooldownUntil time.Time
	closed        bool
}

// DCID returns the data-center this session is bound to.
func (s *Session) DCID() int { return s.dcID }

// GetFile proxies to the underlying RPC connection. Callers are
// responsible for chunk-alignment and retry accounting.
func (s *Session) GetFile(ctx context.Context, loc rpc.Location, offset, limit int64) (rpc.GetFileResult, error) {
	return s.conn.GetFile(ctx, loc, offset, limit)
}

// Pool is a per-client, per-DC pool of sessions with a hard cap on the
// number of sessions per DC.
type Pool struct {
	mu        sync.Mutex
	transport rpc.Transport
	clientID  int
	homeDC    int
	authKey   []byte

	byDC map[int][]*Session

	logger *slog.Logger
	cancel context.CancelFunc
}

// NewPool creates a session pool for one upstream client.
func NewPool(transport rpc.Transport, clientID, homeDC int, authKey []byte, logger *slog.Logger) *Pool {
	p := &Pool{
		transport: transport,
		clientID:  clientID,
		homeDC:    homeDC,
		authKey:   authKey,
		byDC:      map[int][]*Session{},
		logger:    logger,
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.cleanLoop(ctx)
	go p.healthCheckLoop(ctx)
	return p
}

// Stop terminates the pool's background maintenance goroutines. It does
// not close outstanding sessions.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Acquire returns a session bound to dcID, per the algorithm in spec.md
// S4.3: reuse an idle eligible session, else create one under the cap,
// else poll for up to 10s, else forcibly reuse a session serially.
func (p *Pool) Acquire(ctx context.Context, dcID int) (*Session, error) {
	if s := p.tryAcquireExisting(dcID); s != nil {
		return s, nil
	}

	if p.underCapLocked(dcID) {
		s, err := p.generate(ctx, dcID)
		if err != nil {
			return nil, err
		}
		p.addSessionLocked(dcID, s)
		s.mu.Lock()
		s.inUse = true
		s.mu.Unlock()
		return s, nil
	}

	deadline := time.Now().Add(acquireWaitTotal)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollEvery):
		}
		if s := p.tryAcquireExisting(dcID); s != nil {
			return s, nil
		}
	}

	// Forced serialized reuse: prefer a session not in cooldown.
	if p.logger != nil {
		p.logger.Warn("session pool exhausted, forcing serialized reuse", "dc_id", dcID, "client_id", p.clientID)
	}
	return p.forceReuse(dcID)
}

func (p *Pool) tryAcquireExisting(dcID int) *Session {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.purgeExpiredCooldownsLocked(dcID, now)

	for _, s := range p.byDC[dcID] {
		s.mu.Lock()
		eligible := !s.inUse && !s.closed && s.retryCount < maxRetries && now.After(s.cooldownUntil)
		if eligible {
			s.inUse = true
		}
		s.mu.Unlock()
		if eligible {
			return s
		}
	}
	return nil
}

func (p *Pool) purgeExpiredCooldownsLocked(dcID int, now time.Time) {
	for _, s := range p.byDC[dcID] {
		s.mu.Lock()
		if !s.cooldownUntil.IsZero() && now.After(s.cooldownUntil) {
			s.cooldownUntil = time.Time{}
		}
		s.mu.Unlock()
	}
}

func (p *Pool) underCapLocked(dcID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byDC[dcID]) < maxSessionsPerDC
}

func (p *Pool) addSessionLocked(dcID int, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byDC[dcID] = append(p.byDC[dcID], s)
}

func (p *Pool) forceReuse(dcID int) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sessions := p.byDC[dcID]
	if len(sessions) == 0 {
		return nil, errors.New("upstream: no sessions available to force-reuse")
	}

	now := time.Now()
	var best *Session
	for _, s := range sessions {
		s.mu.Lock()
		inCooldown := now.Before(s.cooldownUntil)
		s.mu.Unlock()
		if !inCooldown {
			best = s
			break
		}
	}
	if best == nil {
		best = sessions[0]
	}
	best.mu.Lock()
	best.inUse = true
	best.mu.Unlock()
	return best, nil
}

// Release clears a session's in-use flag, returning it to the idle pool.
func (p *Pool) Release(s *Session) {
	s.mu.Lock()
	s.inUse = false
	s.mu.Unlock()
}

// generate creates a new session to dcID. If dcID is the client's home
// DC, it dials directly with the existing auth key. Otherwise it exports
// authorization from the home DC and imports it on a fresh connection to
// dcID, retrying the import up to authImportRetries times on an
// auth-bytes-invalid signal.
func (p *Pool) generate(ctx context.Context, dcID int) (*Session, error) {
	if dcID == p.homeDC {
		conn, err := p.transport.Dial(ctx, dcID, p.authKey)
		if err != nil {
			return nil, err
		}
		return &Session{conn: conn, dcID: dcID}, nil
	}

	home, err := p.transport.Dial(ctx, p.homeDC, p.authKey)
	if err != nil {
		return nil, err
	}
	defer home.Close()

	auth, err := p.transport.ExportAuthorization(ctx, home, dcID)
	if err != nil {
		return nil, err
	}

	target, err := p.transport.Dial(ctx, dcID, nil)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < authImportRetries; attempt++ {
		lastErr = p.transport.ImportAuthorization(ctx, target, auth)
		if lastErr == nil {
			return &Session{conn: target, dcID: dcID}, nil
		}
		var invalid *apierr.AuthBytesInvalidError
		if !errors.As(lastErr, &invalid) {
			break
		}
	}
	_ = target.Close()
	if p.logger != nil {
		p.logger.Error("auth exchange exhausted retries", "dc_id", dcID, "client_id", p.clientID, "err", lastErr)
	}
	return nil, apierr.ErrAuthExchangeFailed
}

// HandleSocketError records a socket error on s. Once the error threshold
// is reached, the session enters cooldown and a replacement session is
// proactively spawned for its DC.
func (p *Pool) HandleSocketError(ctx context.Context, s *Session) {
	s.mu.Lock()
	s.socketErrors++
	tripped := s.socketErrors >= socketErrThreshold
	dcID := s.dcID
	if tripped {
		s.cooldownUntil = time.Now().Add(cooldownDuration)
		s.socketErrors = 0
	}
	s.mu.Unlock()

	if !tripped {
		return
	}
	if p.logger != nil {
		p.logger.Warn("session entering cooldown, spawning replacement", "dc_id", dcID, "client_id", p.clientID)
	}
	if p.underCapLocked(dcID) {
		if replacement, err := p.generate(ctx, dcID); err == nil {
			p.addSessionLocked(dcID, replacement)
		} else if p.logger != nil {
			p.logger.Warn("failed to spawn replacement session", "dc_id", dcID, "err", err)
		}
	}
}

// RecordRPCError increments a session's retry counter, used by the byte
// streamer after a transient GetFile failure.
func (p *Pool) RecordRPCError(s *Session) {
	s.mu.Lock()
	s.retryCount++
	s.mu.Unlock()
}

// cleanLoop runs every 300s: for DCs with more than one session, closes
// sessions past their retry/error thresholds that are not in use, and
// drops their tracking entries.
func (p *Pool) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanOnce()
		}
	}
}

func (p *Pool) cleanOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for dcID, sessions := range p.byDC {
		if len(sessions) <= 1 {
			continue
		}
		kept := sessions[:0]
		for _, s := range sessions {
			s.mu.Lock()
			shouldClose := !s.inUse && (s.retryCount >= maxRetries || s.socketErrors >= socketErrThreshold)
			if shouldClose {
				s.closed = true
			}
			s.mu.Unlock()
			if shouldClose {
				_ = s.conn.Close()
				continue
			}
			kept = append(kept, s)
		}
		p.byDC[dcID] = kept
	}
}

// healthCheckLoop runs every 600s: lifts sessions out of cooldown whose
// timer elapsed, and decays sub-threshold socket-error counts by 1.
func (p *Pool) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.healthCheckOnce()
		}
	}
}

func (p *Pool) healthCheckOnce() {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sessions := range p.byDC {
		for _, s := range sessions {
			s.mu.Lock()
			if !s.cooldownUntil.IsZero() && now.After(s.cooldownUntil) {
				s.cooldownUntil = time.Time{}
			}
			if s.socketErrors > 0 && s.socketErrors < socketErrThreshold {
				s.socketErrors--
			}
			s.mu.Unlock()
		}
	}
}
