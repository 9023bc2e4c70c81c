// Package keymanager implements the per-key RPM/TPM budget ledger the
// Request Router reserves capacity against before every provider call. It
// tracks health and cool-down independent of the ledger so a safety-policy
// block never demotes a key, mirroring the teacher's rate-limited adapter
// state machine but keyed per credential instead of per provider.
package keymanager

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jgilcrest/tradingagent/model"
)

// ErrExhausted is returned by Reserve when no configured key can currently
// satisfy the request.
var ErrExhausted = errors.New("keymanager: all keys exhausted")

// Outcome is reported to Release after a provider call completes.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeSafetyBlock    Outcome = "safety_block"
	OutcomeTransientError Outcome = "transient_error"
	OutcomeFatalError     Outcome = "fatal_error"
)

// KeyRecord describes one configured provider credential.
type KeyRecord struct {
	ID            string
	CredentialRef string
	ModelName     string
	PriorityTags  []string
	RPMBudget     int
	TPMBudget     int
	Active        bool
}

// Reservation is a capacity debit recorded against a key for the duration of
// one request. It must be released on every exit path.
type Reservation struct {
	ID               string
	KeyID            string
	PromptTokens     int
	CompletionTokens int
	ReservedAt       time.Time
}

// KeyHealth is the per-key slice of a Health snapshot.
type KeyHealth struct {
	ID             string
	Healthy        bool
	CoolDownUntil  time.Time
	RPMRemaining   int
	TPMRemaining   int
	LastErrorClass string
}

// Snapshot reports aggregate Key Manager health.
type Snapshot struct {
	Keys []KeyHealth
}

type keyState struct {
	mu sync.Mutex

	record KeyRecord

	windowStart time.Time
	rpmUsed     int
	tpmUsed     int

	healthy               bool
	coolDownUntil         time.Time
	consecutiveRateLimits int
	lastErrorClass        string
	lastUsed              time.Time

	limiter *rate.Limiter
}

type outstanding struct {
	keyID      string
	reservedAt time.Time
}

// Manager selects and reserves eligible keys and tracks their health.
type Manager struct {
	mu   sync.Mutex
	keys []*keyState

	reqTimeout time.Duration

	outMu       sync.Mutex
	outstanding map[string]outstanding

	stop   chan struct{}
	closed bool
}

// New builds a Manager from a set of configured keys. requestTimeout is used
// by the reaper to force-release reservations older than 2x that bound.
func New(keys []KeyRecord, requestTimeout time.Duration) *Manager {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	m := &Manager{
		reqTimeout:  requestTimeout,
		outstanding: make(map[string]outstanding),
		stop:        make(chan struct{}),
	}
	now := time.Now()
	for _, rec := range keys {
		if !rec.Active {
			continue
		}
		rpmLimit := rate.Limit(float64(rec.RPMBudget) / 60.0)
		m.keys = append(m.keys, &keyState{
			record:      rec,
			windowStart: now,
			healthy:     true,
			limiter:     rate.NewLimiter(rpmLimit, maxInt(rec.RPMBudget, 1)),
		})
	}
	go m.reap()
	return m
}

// Close stops the background reaper.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stop)
}

// Reserve implements the five-step selection algorithm from the Key Manager
// contract: model/tag filtering, budget eligibility, TPM-headroom ranking
// with round-robin tie-break, then an atomic per-key debit.
func (m *Manager) Reserve(_ context.Context, modelPreference string, workload model.WorkloadClass, estimatedPromptTokens, estimatedCompletionTokens int) (*Reservation, error) {
	need := estimatedPromptTokens + estimatedCompletionTokens

	candidates := m.filterByModel(modelPreference)
	candidates = m.filterByWorkloadTag(candidates, workload)

	ranked := rankByHeadroomAndRecency(candidates, need)
	for _, ks := range ranked {
		if res, ok := tryDebit(ks, need, estimatedPromptTokens, estimatedCompletionTokens); ok {
			m.trackOutstanding(res)
			return res, nil
		}
	}
	return nil, ErrExhausted
}

func (m *Manager) filterByModel(modelPreference string) []*keyState {
	if modelPreference == "" || modelPreference == "*" {
		return append([]*keyState(nil), m.keys...)
	}
	var out []*keyState
	for _, ks := range m.keys {
		if ks.record.ModelName == modelPreference {
			out = append(out, ks)
		}
	}
	return out
}

func (m *Manager) filterByWorkloadTag(in []*keyState, workload model.WorkloadClass) []*keyState {
	preferred := workloadTag(workload)
	if preferred == "" {
		return in
	}
	var tagged []*keyState
	for _, ks := range in {
		if hasTag(ks.record.PriorityTags, preferred) {
			tagged = append(tagged, ks)
		}
	}
	if len(tagged) > 0 {
		return tagged
	}
	// No key carries the preferred tag: fall back across tiers rather than
	// failing selection outright.
	return in
}

func workloadTag(workload model.WorkloadClass) string {
	switch workload {
	case model.WorkloadHeavy:
		return "pro"
	case model.WorkloadLight:
		return "flash"
	default:
		return ""
	}
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// rankByHeadroomAndRecency snapshots each candidate's eligibility and
// remaining TPM under its own lock, then orders candidates by most
// available TPM headroom, breaking ties by least-recent use.
func rankByHeadroomAndRecency(in []*keyState, need int) []*keyState {
	type scored struct {
		ks       *keyState
		headroom int
		lastUsed time.Time
	}
	var scoredList []scored
	for _, ks := range in {
		ks.mu.Lock()
		resetWindowLocked(ks)
		eligible := ks.healthy && time.Now().After(ks.coolDownUntil) &&
			remainingRPMLocked(ks) >= 1 && remainingTPMLocked(ks) >= need
		headroom := remainingTPMLocked(ks)
		lastUsed := ks.lastUsed
		ks.mu.Unlock()
		if !eligible {
			continue
		}
		scoredList = append(scoredList, scored{ks: ks, headroom: headroom, lastUsed: lastUsed})
	}
	sort.Slice(scoredList, func(i, j int) bool {
		if scoredList[i].headroom != scoredList[j].headroom {
			return scoredList[i].headroom > scoredList[j].headroom
		}
		return scoredList[i].lastUsed.Before(scoredList[j].lastUsed)
	})
	out := make([]*keyState, 0, len(scoredList))
	for _, s := range scoredList {
		out = append(out, s.ks)
	}
	return out
}

func tryDebit(ks *keyState, need, prompt, completion int) (*Reservation, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	resetWindowLocked(ks)
	if !ks.healthy || !time.Now().After(ks.coolDownUntil) {
		return nil, false
	}
	if remainingRPMLocked(ks) < 1 || remainingTPMLocked(ks) < need {
		return nil, false
	}
	if !ks.limiter.Allow() {
		return nil, false
	}

	ks.rpmUsed++
	ks.tpmUsed += need
	ks.lastUsed = time.Now()

	return &Reservation{
		ID:               uuid.NewString(),
		KeyID:            ks.record.ID,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		ReservedAt:       ks.lastUsed,
	}, true
}

func resetWindowLocked(ks *keyState) {
	now := time.Now()
	if now.Sub(ks.windowStart) >= time.Minute {
		ks.windowStart = now
		ks.rpmUsed = 0
		ks.tpmUsed = 0
	}
}

func remainingRPMLocked(ks *keyState) int {
	return ks.record.RPMBudget - ks.rpmUsed
}

func remainingTPMLocked(ks *keyState) int {
	return ks.record.TPMBudget - ks.tpmUsed
}

func (m *Manager) trackOutstanding(res *Reservation) {
	m.outMu.Lock()
	m.outstanding[res.ID] = outstanding{keyID: res.KeyID, reservedAt: res.ReservedAt}
	m.outMu.Unlock()
}

// Release records the outcome of the call made under reservation and
// applies the per-outcome cool-down policy. It is safe to call more than
// once for the same reservation; subsequent calls are no-ops.
func (m *Manager) Release(res *Reservation, actualCompletionTokens int, outcome Outcome) {
	if res == nil {
		return
	}
	m.outMu.Lock()
	_, tracked := m.outstanding[res.ID]
	delete(m.outstanding, res.ID)
	m.outMu.Unlock()
	if !tracked {
		return
	}

	ks := m.find(res.KeyID)
	if ks == nil {
		return
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if delta := actualCompletionTokens - res.CompletionTokens; delta != 0 {
		ks.tpmUsed += delta
		if ks.tpmUsed < 0 {
			ks.tpmUsed = 0
		}
	}

	switch outcome {
	case OutcomeOK:
		ks.consecutiveRateLimits = 0
		ks.lastErrorClass = ""
	case OutcomeRateLimited:
		ks.consecutiveRateLimits++
		ks.coolDownUntil = time.Now().Add(backoff(ks.consecutiveRateLimits))
		ks.lastErrorClass = string(model.ErrorKindRateLimited)
	case OutcomeSafetyBlock:
		// Never demotes a key: no cool-down, no health change, reset
		// notwithstanding.
	case OutcomeTransientError:
		ks.coolDownUntil = time.Now().Add(30 * time.Second)
		ks.lastErrorClass = string(model.ErrorKindTransient)
	case OutcomeFatalError:
		ks.healthy = false
		ks.lastErrorClass = string(model.ErrorKindFatal)
	}
}

// ResetHealth manually clears a fatal-error health flag, the only way to
// bring a key back after FATAL per the Key Manager contract.
func (m *Manager) ResetHealth(keyID string) {
	ks := m.find(keyID)
	if ks == nil {
		return
	}
	ks.mu.Lock()
	ks.healthy = true
	ks.coolDownUntil = time.Time{}
	ks.consecutiveRateLimits = 0
	ks.lastErrorClass = ""
	ks.mu.Unlock()
}

func (m *Manager) find(keyID string) *keyState {
	for _, ks := range m.keys {
		if ks.record.ID == keyID {
			return ks
		}
	}
	return nil
}

// Health reports a point-in-time snapshot of every configured key.
func (m *Manager) Health() Snapshot {
	snap := Snapshot{}
	for _, ks := range m.keys {
		ks.mu.Lock()
		resetWindowLocked(ks)
		snap.Keys = append(snap.Keys, KeyHealth{
			ID:             ks.record.ID,
			Healthy:        ks.healthy,
			CoolDownUntil:  ks.coolDownUntil,
			RPMRemaining:   remainingRPMLocked(ks),
			TPMRemaining:   remainingTPMLocked(ks),
			LastErrorClass: ks.lastErrorClass,
		})
		ks.mu.Unlock()
	}
	return snap
}

// reap force-releases reservations outstanding longer than 2x the request
// timeout, treating them as transient_error per the reservation invariant.
func (m *Manager) reap() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	bound := 2 * m.reqTimeout
	now := time.Now()

	var stale []struct {
		id    string
		keyID string
	}
	m.outMu.Lock()
	for id, o := range m.outstanding {
		if now.Sub(o.reservedAt) >= bound {
			stale = append(stale, struct {
				id    string
				keyID string
			}{id, o.keyID})
		}
	}
	m.outMu.Unlock()

	for _, s := range stale {
		m.Release(&Reservation{ID: s.id, KeyID: s.keyID}, 0, OutcomeTransientError)
	}
}

// backoff computes the exponential cool-down for attempt n (1-indexed):
// base 2, initial 1s, capped at 60s, with +/-25% jitter.
func backoff(attempt int) time.Duration {
	base := time.Second
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 60*time.Second {
			d = 60 * time.Second
			break
		}
	}
	jitterFrac := (rand.Float64()*0.5 - 0.25)
	d = d + time.Duration(float64(d)*jitterFrac)
	if d < 0 {
		d = 0
	}
	return d
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
