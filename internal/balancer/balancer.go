// Package balancer implements the multi-client load balancer: it picks
// one of N upstream clients per request using live load, response-time,
// and cooldown signals, and tracks per-client health.
package balancer

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// latencyWindowSize bounds the number of recent response times retained
// per client.
const latencyWindowSize = 10

// defaultCooldown is the minimum time since a client was last selected
// before it qualifies for the zero-load preference again.
const defaultCooldown = 1 * time.Second

// clientState tracks the live signals for a single upstream client.
type clientState struct {
	workload int
	healthy  bool
	lastUsed time.Time
	latency  []float64 // ring buffer, oldest first, capped at latencyWindowSize
}

func newClientState() *clientState {
	return &clientState{healthy: true}
}

func (s *clientState) pushLatency(v float64) {
	s.latency = append(s.latency, v)
	if len(s.latency) > latencyWindowSize {
		s.latency = s.latency[len(s.latency)-latencyWindowSize:]
	}
}

func (s *clientState) avgLatency() float64 {
	if len(s.latency) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, v := range s.latency {
		sum += v
	}
	return sum / float64(len(s.latency))
}

// Balancer selects an upstream client per request from a registry of
// client identities supplied at construction. C is the concrete client
// type (e.g. an authenticated session factory); the balancer itself never
// inspects it.
type Balancer[C any] struct {
	mu       sync.Mutex
	clients  map[int]C
	state    map[int]*clientState
	cooldown time.Duration
	logger   *slog.Logger
	rng      *rand.Rand
}

// New creates a Balancer over the given client registry.
func New[C any](clients map[int]C, logger *slog.Logger) *Balancer[C] {
	b := &Balancer[C]{
		clients:  make(map[int]C, len(clients)),
		state:    make(map[int]*clientState, len(clients)),
		cooldown: defaultCooldown,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for id, c := range clients {
		b.clients[id] = c
		b.state[id] = newClientState()
	}
	return b
}

// Reconcile adds default tracking entries for any client id present in
// clients but missing from the balancer's registry. Existing clients are
// left untouched.
func (b *Balancer[C]) Reconcile(clients map[int]C) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range clients {
		if _, ok := b.clients[id]; !ok {
			b.clients[id] = c
			b.state[id] = newClientState()
		}
	}
}

// Select returns a client id and its registered value. It returns
// ok=false only when no clients are registered at all.
func (b *Balancer[C]) Select() (id int, client C, ok bool) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.clients) == 0 {
		var zero C
		return 0, zero, false
	}

	avail := make([]int, 0, len(b.clients))
	for cid, st := range b.state {
		if st.healthy {
			avail = append(avail, cid)
		}
	}

	if len(avail) == 0 {
		// Degraded mode: every client is unhealthy, return any client.
		if b.logger != nil {
			b.logger.Warn("load balancer degraded: all clients unhealthy")
		}
		for cid := range b.clients {
			avail = append(avail, cid)
		}
	}
	sort.Ints(avail) // deterministic iteration for tie-breaking and tests

	zeroLoad := make([]int, 0, len(avail))
	for _, cid := range avail {
		st := b.state[cid]
		if st.workload == 0 && now.Sub(st.lastUsed) > b.cooldown {
			zeroLoad = append(zeroLoad, cid)
		}
	}

	var selected int
	if len(zeroLoad) > 0 {
		selected = zeroLoad[b.rng.Intn(len(zeroLoad))]
	} else {
		selected = b.weightedSelectLocked(avail, now)
	}

	b.state[selected].lastUsed = now
	return selected, b.clients[selected], true
}

// weightedSelectLocked implements the scored weighted-random selection
// described in the spec: 0.6 load term + 0.2 latency term + 0.2
// time-since-use term, with the combined score floored at 0.1 and the
// scores normalized to sum to 1.
func (b *Balancer[C]) weightedSelectLocked(avail []int, now time.Time) int {
	scores := make([]float64, len(avail))
	total := 0.0
	for i, cid := range avail {
		st := b.state[cid]

		loadTerm := 1.0 / maxF(1.0, float64(st.workload))
		latencyTerm := 1.0 / maxF(0.1, st.avgLatency())
		idleSeconds := now.Sub(st.lastUsed).Seconds()
		cooldownSeconds := b.cooldown.Seconds()
		if cooldownSeconds <= 0 {
			cooldownSeconds = 1
		}
		idleTerm := minF(5.0, idleSeconds/cooldownSeconds)

		score := 0.6*loadTerm + 0.2*latencyTerm + 0.2*idleTerm
		score = maxF(0.1, score)
		scores[i] = score
		total += score
	}

	r := b.rng.Float64() * total
	acc := 0.0
	for i, s := range scores {
		acc += s
		if r <= acc {
			return avail[i]
		}
	}
	return avail[len(avail)-1]
}

// RecordResponseTime appends a successful stream's duration to the
// client's bounded latency window.
func (b *Balancer[C]) RecordResponseTime(id int, seconds float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state[id]; ok {
		st.pushLatency(seconds)
	}
}

// MarkUnhealthy flips the client's health flag to false, excluding it
// from selection (unless every client becomes unhealthy).
func (b *Balancer[C]) MarkUnhealthy(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state[id]; ok {
		st.healthy = false
	}
}

// MarkHealthy flips the client's health flag to true, re-enabling it for
// selection.
func (b *Balancer[C]) MarkHealthy(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state[id]; ok {
		st.healthy = true
	}
}

// IncWorkload increments the in-flight stream counter for id. Must be
// paired with exactly one DecWorkload call regardless of how the stream
// terminates.
func (b *Balancer[C]) IncWorkload(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state[id]; ok {
		st.workload++
	}
}

// DecWorkload decrements the in-flight stream counter for id.
func (b *Balancer[C]) DecWorkload(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.state[id]; ok && st.workload > 0 {
		st.workload--
	}
}

// ClientStatus is a point-in-time snapshot of one client's balancer
// state, used by the /status endpoint.
type ClientStatus struct {
	ClientID    int     `json:"client_id"`
	Workload    int     `json:"workload"`
	Healthy     bool    `json:"healthy"`
	AvgLatency  float64 `json:"avg_latency_seconds"`
	LastUsedAgo float64 `json:"last_used_seconds_ago"`
}

// Status returns a snapshot of all clients' balancer state, sorted by
// descending load (per spec.md /status: "per-client load sorted desc").
func (b *Balancer[C]) Status() []ClientStatus {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ClientStatus, 0, len(b.state))
	for id, st := range b.state {
		lastUsedAgo := 0.0
		if !st.lastUsed.IsZero() {
			lastUsedAgo = now.Sub(st.lastUsed).Seconds()
		}
		out = append(out, ClientStatus{
			ClientID:    id,
			Workload:    st.workload,
			Healthy:     st.healthy,
			AvgLatency:  st.avgLatency(),
			LastUsedAgo: lastUsedAgo,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Workload != out[j].Workload {
			return out[i].Workload > out[j].Workload
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
