package auth

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ConnContext carries the credential surfaces of a connection handshake or an
// in-band authenticate message. Any field may be empty.
type ConnContext struct {
	// AuthToken is an explicit credential supplied in-band (e.g. the payload
	// of an authenticate message). Takes priority over everything else.
	AuthToken string

	// Request is the upgrade request, when authenticating at handshake time.
	Request *http.Request

	// Origin identifies the client for rate limiting (remote IP).
	Origin string
}

// Result is the gate's uniform answer. Reason is human-readable and must only
// ever be sent back to the requesting socket, never broadcast; it
// deliberately does not distinguish malformed vs revoked vs absent
// credentials beyond what the caller's own socket may see.
type Result struct {
	Success     bool
	UserID      string
	Username    string
	Reason      string
	RateLimited bool
}

// rateWindow is a fixed attempt-counting window per origin, created lazily
// and reset once its deadline passes.
type rateWindow struct {
	count     int
	resetTime time.Time
}

// GateConfig holds the gate's tunables.
type GateConfig struct {
	MaxAttempts int           // attempts per origin per window (default 5)
	Window      time.Duration // window length (default 60s)
	MaxRevoked  int           // revocation set capacity (default 10000)
}

// Gate authenticates connections. It performs no I/O beyond local signature
// verification so it can sit on the connection hot path.
type Gate struct {
	verifier TokenVerifier
	revoked  *RevocationList
	clock    clockwork.Clock
	logger   zerolog.Logger

	maxAttempts int
	window      time.Duration

	mu      sync.Mutex
	windows map[string]*rateWindow

	// Counters for observability, read via Stats.
	attempts    atomic.Int64
	successes   atomic.Int64
	rateLimited atomic.Int64
}

// GateStats is a point-in-time counter snapshot.
type GateStats struct {
	Attempts    int64
	Successes   int64
	RateLimited int64
	Revoked     int
}

func NewGate(verifier TokenVerifier, config GateConfig, clock clockwork.Clock, logger zerolog.Logger) *Gate {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	return &Gate{
		verifier:    verifier,
		revoked:     NewRevocationList(config.MaxRevoked, clock),
		clock:       clock,
		logger:      logger.With().Str("component", "auth_gate").Logger(),
		maxAttempts: config.MaxAttempts,
		window:      config.Window,
		windows:     make(map[string]*rateWindow),
	}
}

// Authenticate extracts and verifies the connection's credential.
//
// Extraction priority: explicit auth token, bearer header, query parameter,
// cookie. Over-limit origins are rejected before any verification work so an
// attack cannot burn CPU on signature checks.
func (g *Gate) Authenticate(ctx ConnContext) Result {
	start := g.clock.Now()
	g.attempts.Add(1)

	if !g.allowAttempt(ctx.Origin) {
		g.rateLimited.Add(1)
		g.logger.Warn().
			Str("origin", ctx.Origin).
			Msg("Authentication attempt rate limited")
		return Result{Success: false, Reason: "too many authentication attempts", RateLimited: true}
	}

	token, err := ExtractToken(ctx)
	if err != nil {
		return Result{Success: false, Reason: "authentication required"}
	}

	if g.revoked.IsRevoked(token) {
		g.logger.Warn().
			Str("origin", ctx.Origin).
			Msg("Revoked credential presented")
		return Result{Success: false, Reason: "invalid credential"}
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		return Result{Success: false, Reason: "invalid credential"}
	}
	if claims.UserID == "" || claims.Username == "" {
		return Result{Success: false, Reason: "invalid credential"}
	}

	g.successes.Add(1)
	g.logger.Info().
		Str("user_id", claims.UserID).
		Str("username", claims.Username).
		Dur("duration", g.clock.Since(start)).
		Msg("Authentication succeeded")

	return Result{Success: true, UserID: claims.UserID, Username: claims.Username}
}

// Revoke adds a credential to the revocation list.
func (g *Gate) Revoke(tokenString string) {
	g.revoked.Revoke(tokenString)
}

// Revocations exposes the revocation list for lifecycle wiring (purge loop).
func (g *Gate) Revocations() *RevocationList {
	return g.revoked
}

// Stats returns a counter snapshot.
func (g *Gate) Stats() GateStats {
	return GateStats{
		Attempts:    g.attempts.Load(),
		Successes:   g.successes.Load(),
		RateLimited: g.rateLimited.Load(),
		Revoked:     g.revoked.Len(),
	}
}

// allowAttempt counts an attempt against the origin's window and reports
// whether verification may proceed. Exactly MaxAttempts attempts per window
// reach verification; the rest are rejected here.
func (g *Gate) allowAttempt(origin string) bool {
	if origin == "" {
		origin = "unknown"
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	w, ok := g.windows[origin]
	if !ok || now.After(w.resetTime) {
		w = &rateWindow{resetTime: now.Add(g.window)}
		g.windows[origin] = w
	}

	w.count++
	return w.count <= g.maxAttempts
}

// CleanupWindows drops expired rate windows. Called opportunistically by the
// owner; the map otherwise grows with one entry per distinct origin.
func (g *Gate) CleanupWindows() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	removed := 0
	for origin, w := range g.windows {
		if now.After(w.resetTime) {
			delete(g.windows, origin)
			removed++
		}
	}
	return removed
}

var errNoCredential = errors.New("no credential found")

// ExtractToken pulls a credential from the connection context, trying each
// surface in priority order.
func ExtractToken(ctx ConnContext) (string, error) {
	if ctx.AuthToken != "" {
		return ctx.AuthToken, nil
	}

	if ctx.Request == nil {
		return "", errNoCredential
	}

	const bearerPrefix = "Bearer "
	if authHeader := ctx.Request.Header.Get("Authorization"); strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix), nil
	}

	if token := ctx.Request.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	if cookie, err := ctx.Request.Cookie("auth_token"); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", errNoCredential
}
