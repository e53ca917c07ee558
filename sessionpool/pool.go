package sessionpool

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/corvid-labs/harvest/core"
)

// Pool is the in-memory map of active browser sessions. Each key is
// serialized internally so at most one caller holds a given session at
// a time; disk persistence happens after that lock is released, one
// file per session via write-temp-then-rename (spec.md §4.2, §5).
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*core.BrowserSession
	held     map[string]bool

	storageDir    string
	encryptionKey []byte

	trustFloor float64
	maxUses    int
	maxAge     time.Duration

	logger    core.Logger
	telemetry core.Telemetry
}

// Options configures a Pool at construction.
type Options struct {
	StorageDir    string
	EncryptionKey string // HKDF input keying material; derives the at-rest AES key
	TrustFloor    int
	MaxUses       int
	MaxAge        time.Duration
	Logger        core.Logger
	Telemetry     core.Telemetry
}

// New builds a Pool and loads any sessions already on disk, discarding
// entries that are already hard-retired by the rules in trust.go.
func New(opts Options) (*Pool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	p := &Pool{
		sessions:   make(map[string]*core.BrowserSession),
		held:       make(map[string]bool),
		storageDir: opts.StorageDir,
		trustFloor: float64(opts.TrustFloor),
		maxUses:    opts.MaxUses,
		maxAge:     opts.MaxAge,
		logger:     logger,
		telemetry:  telemetry,
	}
	if p.trustFloor == 0 {
		p.trustFloor = float64(core.DefaultSessionTrustFloor)
	}
	if p.maxUses == 0 {
		p.maxUses = core.DefaultSessionMaxUses
	}
	if p.maxAge == 0 {
		p.maxAge = time.Duration(core.DefaultSessionMaxAgeSecond) * time.Second
	}

	if opts.EncryptionKey != "" {
		key, err := deriveKey(opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("sessionpool: deriving encryption key: %w", err)
		}
		p.encryptionKey = key
	}

	if p.storageDir != "" {
		if err := p.loadFromDisk(); err != nil {
			return nil, fmt.Errorf("sessionpool: loading sessions from disk: %w", err)
		}
	}
	return p, nil
}

func deriveKey(secret string) ([]byte, error) {
	h := hkdf.New(newSHA256, []byte(secret), nil, []byte("harvest-session-vault"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Acquire returns a session only if it is present, not already on loan
// to another caller, and its computed trust is still >= the configured
// floor; otherwise it returns nil. A session already held by a prior
// Acquire is never handed out twice: the second concurrent caller on
// the same (domain, proxy-identity) key observes nil, per spec.md
// §4.2/§5, rather than a cloned duplicate of a session someone else is
// using. The held flag is checked and set atomically under the same
// lock used to read the session map, so there is no window in which
// two callers can both see it free. A session becomes free again via
// Release, MarkSuccess, or MarkFailure — whichever the executor calls
// when it is done with the reference.
func (p *Pool) Acquire(ctx context.Context, domain, proxyIdentity string) (*core.BrowserSession, error) {
	key := domain + "__" + proxyIdentity

	p.mu.Lock()
	if p.held[key] {
		p.mu.Unlock()
		return nil, nil
	}
	sess, ok := p.sessions[key]
	if !ok {
		p.mu.Unlock()
		return nil, nil
	}

	now := time.Now()
	if IsHardRetired(*sess, now) || ComputeTrust(*sess, now) < p.trustFloor {
		err := p.retireLocked(key)
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, nil
	}

	p.held[key] = true
	clone := *sess
	p.mu.Unlock()
	return &clone, nil
}

// Release clears the held flag on a session without recording success
// or failure. Used by the executor when a run pauses for human
// intervention mid-attempt — the session is still trusted, it is just
// no longer in use by this run.
func (p *Pool) Release(ctx context.Context, domain, proxyIdentity string) {
	key := domain + "__" + proxyIdentity
	p.mu.Lock()
	delete(p.held, key)
	p.mu.Unlock()
}

// Create registers a new session after a successful first extraction.
func (p *Pool) Create(ctx context.Context, sess core.BrowserSession) error {
	sess.CreatedAt = time.Now()
	sess.LastUsed = sess.CreatedAt
	sess.TotalUses = 1

	p.mu.Lock()
	p.sessions[sess.Key()] = &sess
	p.mu.Unlock()

	return p.persist(sess)
}

// MarkSuccess resets the consecutive-failure streak, increments uses
// and captcha-count when applicable, and refreshes last-used.
func (p *Pool) MarkSuccess(ctx context.Context, domain, proxyIdentity string, hadCaptcha bool) error {
	key := domain + "__" + proxyIdentity
	p.mu.Lock()
	sess, ok := p.sessions[key]
	if !ok {
		delete(p.held, key)
		p.mu.Unlock()
		return core.ErrSessionNotFound
	}
	sess.ConsecutiveFailures = 0
	sess.TotalUses++
	if hadCaptcha {
		sess.CaptchaCount++
	}
	sess.LastUsed = time.Now()
	snapshot := *sess
	delete(p.held, key)
	p.mu.Unlock()

	if IsHardRetired(snapshot, time.Now()) {
		return p.Retire(ctx, domain, proxyIdentity)
	}
	return p.persist(snapshot)
}

// MarkFailure increments the consecutive-failure streak; at 3 or more
// the session is retired.
func (p *Pool) MarkFailure(ctx context.Context, domain, proxyIdentity string) error {
	key := domain + "__" + proxyIdentity
	p.mu.Lock()
	sess, ok := p.sessions[key]
	if !ok {
		delete(p.held, key)
		p.mu.Unlock()
		return nil
	}
	sess.ConsecutiveFailures++
	retire := sess.ConsecutiveFailures >= hardRetireStreak
	snapshot := *sess
	delete(p.held, key)
	p.mu.Unlock()

	if retire {
		return p.Retire(ctx, domain, proxyIdentity)
	}
	return p.persist(snapshot)
}

// Retire removes the session from the pool and deletes its file.
func (p *Pool) Retire(ctx context.Context, domain, proxyIdentity string) error {
	key := domain + "__" + proxyIdentity
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retireLocked(key)
}

func (p *Pool) retireLocked(key string) error {
	delete(p.sessions, key)
	delete(p.held, key)
	if p.storageDir == "" {
		return nil
	}
	path := p.sessionPath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessionpool: removing %s: %w", path, err)
	}
	return nil
}

// PoolStats aggregates pool composition for observability.
type PoolStats struct {
	Total          int
	AvgTrust       float64
	RetiredOnRead  int
}

// Stats aggregates the current pool for observability. It does not
// mutate state — sessions already past a hard limit are simply
// excluded from the average and counted as RetiredOnRead.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var stats PoolStats
	var trustSum float64
	for _, s := range p.sessions {
		if IsHardRetired(*s, now) {
			stats.RetiredOnRead++
			continue
		}
		stats.Total++
		trustSum += ComputeTrust(*s, now)
	}
	if stats.Total > 0 {
		stats.AvgTrust = trustSum / float64(stats.Total)
	}
	return stats
}

func (p *Pool) sessionPath(key string) string {
	return filepath.Join(p.storageDir, key+".json")
}

// persist writes the session as one JSON file, optionally encrypting
// the cookie/storage-state payload, via write-temp-then-rename so a
// crash never leaves a half-written session file behind.
func (p *Pool) persist(sess core.BrowserSession) error {
	if p.storageDir == "" {
		return nil
	}
	if err := os.MkdirAll(p.storageDir, 0o700); err != nil {
		return fmt.Errorf("sessionpool: creating storage dir: %w", err)
	}

	payload := sess
	if p.encryptionKey != nil {
		encCookies, err := encrypt(p.encryptionKey, sess.Cookies)
		if err != nil {
			return fmt.Errorf("sessionpool: encrypting cookies: %w", err)
		}
		encState, err := encrypt(p.encryptionKey, sess.StorageState)
		if err != nil {
			return fmt.Errorf("sessionpool: encrypting storage state: %w", err)
		}
		payload.Cookies = encCookies
		payload.StorageState = encState
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sessionpool: marshaling session: %w", err)
	}

	path := p.sessionPath(sess.Key())
	tmp := path + ".tmp-" + randSuffix()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("sessionpool: writing temp session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("sessionpool: renaming session file: %w", err)
	}
	return nil
}

func (p *Pool) loadFromDisk() error {
	entries, err := os.ReadDir(p.storageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.storageDir, entry.Name()))
		if err != nil {
			p.logger.Warn("sessionpool: skipping unreadable session file", map[string]interface{}{"file": entry.Name(), "error": err.Error()})
			continue
		}
		var sess core.BrowserSession
		if err := json.Unmarshal(data, &sess); err != nil {
			p.logger.Warn("sessionpool: skipping corrupt session file", map[string]interface{}{"file": entry.Name(), "error": err.Error()})
			continue
		}

		if p.encryptionKey != nil {
			cookies, err := decrypt(p.encryptionKey, sess.Cookies)
			if err == nil {
				sess.Cookies = cookies
			}
			state, err := decrypt(p.encryptionKey, sess.StorageState)
			if err == nil {
				sess.StorageState = state
			}
		}

		if IsHardRetired(sess, now) {
			continue
		}
		clone := sess
		p.sessions[sess.Key()] = &clone
	}
	return nil
}

func randSuffix() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
