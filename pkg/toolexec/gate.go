package toolexec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// Gate enforces the two-phase mutation protocol. A preview mints a one-time
// token bound to the run, the tool name, and a digest of the arguments; a
// commit must present that token with the same arguments. Tokens expire, are
// consumed on first use, and are invalidated when a newer preview for the
// same run supersedes them. The gate also serializes commits within a run.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]pendingPreview
	runLocks map[string]*runLock
	ttl      time.Duration
	now      func() time.Time
}

type pendingPreview struct {
	runID     string
	tool      string
	digest    string
	expiresAt time.Time
}

type runLock struct {
	mu       sync.Mutex
	lastSeen time.Time
}

// DefaultTokenTTL bounds how long a previewed change stays confirmable.
const DefaultTokenTTL = 10 * time.Minute

// NewGate creates a Gate. A non-positive ttl falls back to DefaultTokenTTL.
func NewGate(ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Gate{
		pending:  make(map[string]pendingPreview),
		runLocks: make(map[string]*runLock),
		ttl:      ttl,
		now:      time.Now,
	}
}

// MintToken records a preview and returns its confirmation token.
func (g *Gate) MintToken(runID, tool string, args map[string]interface{}) (string, error) {
	digest, err := argsDigest(args)
	if err != nil {
		return "", fmt.Errorf("failed to digest tool arguments: %w", err)
	}

	token, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to mint confirmation token: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweepLocked()
	g.pending[token] = pendingPreview{
		runID:     runID,
		tool:      tool,
		digest:    digest,
		expiresAt: g.now().Add(g.ttl),
	}

	return token, nil
}

// ConsumeToken validates and invalidates a confirmation token. Every failure
// mode returns an error phrased for the end user, since the executor places
// it directly into the tool result.
func (g *Gate) ConsumeToken(runID, tool string, args map[string]interface{}, token string) error {
	if token == "" {
		return fmt.Errorf("this change must be previewed before it can be confirmed")
	}

	digest, err := argsDigest(args)
	if err != nil {
		return fmt.Errorf("failed to digest tool arguments: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	pending, ok := g.pending[token]
	if !ok {
		return fmt.Errorf("this confirmation has expired or was already used, please preview the change again")
	}
	delete(g.pending, token)

	if g.now().After(pending.expiresAt) {
		return fmt.Errorf("this confirmation has expired, please preview the change again")
	}
	if pending.runID != runID || pending.tool != tool {
		log.Warn().
			Str("tool", tool).
			Str("run_id", runID).
			Msg("Confirmation token presented outside its originating run")
		return fmt.Errorf("this confirmation does not match the previewed change, please preview it again")
	}
	if pending.digest != digest {
		log.Warn().
			Str("tool", tool).
			Str("run_id", runID).
			Msg("Confirmation token presented with altered arguments")
		return fmt.Errorf("the change no longer matches what was previewed, please preview it again")
	}

	return nil
}

// LockRun acquires the per-run commit lock and returns its release func.
func (g *Gate) LockRun(runID string) func() {
	g.mu.Lock()
	lock, ok := g.runLocks[runID]
	if !ok {
		lock = &runLock{}
		g.runLocks[runID] = lock
	}
	lock.lastSeen = g.now()
	g.mu.Unlock()

	lock.mu.Lock()
	return lock.mu.Unlock
}

// sweepLocked drops expired tokens and the commit locks of runs idle past the
// token ttl. A lock that is currently held, or whose holder may still be on
// the way to acquiring it, is left alone: lastSeen is stamped under g.mu
// before the acquire, so such a lock is never past the idle window. Caller
// holds g.mu.
func (g *Gate) sweepLocked() {
	now := g.now()
	for token, pending := range g.pending {
		if now.After(pending.expiresAt) {
			delete(g.pending, token)
		}
	}
	for runID, lock := range g.runLocks {
		if now.Sub(lock.lastSeen) < g.ttl {
			continue
		}
		if lock.mu.TryLock() {
			lock.mu.Unlock()
			delete(g.runLocks, runID)
		}
	}
}

// argsDigest canonicalizes the argument map and hashes it. json.Marshal sorts
// map keys, which is the only canonicalization the digest needs.
func argsDigest(args map[string]interface{}) (string, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
