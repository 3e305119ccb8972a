package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
	"github.com/wgcontrol/wgcontrol/lib/metrics"
)

const (
	// VerificationHeader carries the current token on every API request.
	VerificationHeader = "X-Verification-Code"

	// TokenBytes is the entropy of a token; it is hex encoded to 48 characters.
	TokenBytes = 24

	// MinRotationInterval is the shortest accepted rotation interval.
	MinRotationInterval = time.Minute
)

// Guard owns the rotating verification token shared with the front end
// through a generated script in the public assets directory.
type Guard struct {
	artifact string
	now      func() time.Time

	mu        sync.RWMutex
	token     string
	issuedAt  time.Time
	expiresAt time.Time
	interval  time.Duration

	// rotating orders token changes with their artifact writes.
	rotating sync.Mutex

	// loop guards the rotation goroutine; only one runs at a time.
	loop   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGuard creates a guard that writes its artifact to artifactPath. No
// token is valid until Reconfigure or Rotate is called.
func NewGuard(artifactPath string) *Guard {
	return &Guard{
		artifact: artifactPath,
		now:      time.Now,
		interval: MinRotationInterval,
	}
}

// Reconfigure replaces the rotation task: the running one is cancelled, the
// token is rotated immediately and a new periodic task is started.
func (g *Guard) Reconfigure(interval time.Duration) error {
	interval = max(interval, MinRotationInterval)

	g.loop.Lock()
	defer g.loop.Unlock()

	g.stopLocked()

	g.mu.Lock()
	g.interval = interval
	g.mu.Unlock()

	err := g.Rotate()

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.rotateLoop(ctx, interval, g.done)

	log.WithField("interval", interval.String()).Info("verification token rotation scheduled")
	return err
}

func (g *Guard) rotateLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Rotate(); err != nil {
				log.WithError(err).Error("verification token rotation failed")
			}
		}
	}
}

// Rotate issues a new token and rewrites the artifact. The previous token is
// invalid as soon as Rotate returns, even when the artifact write fails.
func (g *Guard) Rotate() error {
	g.rotating.Lock()
	defer g.rotating.Unlock()

	raw := make([]byte, TokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating verification token: %w", err)
	}

	g.mu.Lock()
	g.token = hex.EncodeToString(raw)
	g.issuedAt = g.now()
	g.expiresAt = g.issuedAt.Add(g.interval)
	script := g.scriptLocked()
	g.mu.Unlock()

	metrics.TokenRotations.Inc()
	return writeArtifact(g.artifact, script)
}

// Token returns the current token.
func (g *Guard) Token() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

// ExpiresAt returns when the current token is scheduled to rotate.
func (g *Guard) ExpiresAt() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.expiresAt
}

// Validate reports whether the first of values equals the current token.
// There is no grace window for the previous token.
func (g *Guard) Validate(values ...string) bool {
	if len(values) == 0 || values[0] == "" {
		return false
	}
	g.mu.RLock()
	token := g.token
	g.mu.RUnlock()
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(values[0]), []byte(token)) == 1
}

// Middleware rejects requests without the current token.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		values := r.Header.Values(VerificationHeader)
		if !g.Validate(values...) {
			reason := apperrors.ErrTokenInvalid
			if len(values) == 0 {
				reason = apperrors.ErrTokenMissing
			}
			metrics.TokenRejected.Inc()
			log.WithField("path", r.URL.Path).
				WithField("remote", r.RemoteAddr).
				WithError(reason).
				Debug("verification failed")
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "Forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop cancels the rotation task and waits for it to exit.
func (g *Guard) Stop() {
	g.loop.Lock()
	defer g.loop.Unlock()
	g.stopLocked()
}

func (g *Guard) stopLocked() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	<-g.done
	g.cancel = nil
	g.done = nil
}

func (g *Guard) scriptLocked() string {
	return fmt.Sprintf("window.__WG_RUNTIME__ = Object.freeze({\n"+
		"  verificationCode: '%s',\n"+
		"  generatedAt: %d,\n"+
		"  expiresAt: %d,\n"+
		"  rotationIntervalMs: %d\n"+
		"});\n",
		g.token, g.issuedAt.UnixMilli(), g.expiresAt.UnixMilli(), g.interval.Milliseconds())
}

// writeArtifact replaces path atomically so the front end never reads a
// half-written script.
func writeArtifact(path, script string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating assets directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(script), 0o644); err != nil {
		return fmt.Errorf("writing runtime script: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing runtime script: %w", err)
	}
	return nil
}
