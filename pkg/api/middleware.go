package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/leash-dev/leash/pkg/auth"
)

// requestID attaches an X-Request-ID header, generating one when the client
// did not supply its own. The header is set before handlers run so error
// responses can echo it as trace_id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func newRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}

// requireAdmin validates the session cookie and stores the admin identity in
// the request context.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(auth.SessionCookie)
		if err != nil {
			WriteUnauthorized(w, r, "")
			return
		}
		adminID, _, err := s.sessions.Validate(c.Value)
		if err != nil {
			WriteUnauthorized(w, r, "Invalid or expired session")
			return
		}
		next(w, r.WithContext(auth.WithAdmin(r.Context(), adminID)))
	}
}

// requireAgent authenticates the bearer API key, applies the per-agent rate
// limit and stores the agent identity in the request context. Accepts either
// "Authorization: Bearer sk_agent_..." or the X-Agent-Key header.
func (s *Server) requireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if key == "" {
			key = r.Header.Get("X-Agent-Key")
		}
		if key == "" {
			WriteUnauthorized(w, r, "Agent API key required")
			return
		}
		agent, err := s.gate.AuthenticateAgent(r.Context(), key)
		if err != nil {
			WriteGateError(w, r, err)
			return
		}
		if !s.agentLimits.allow(agent.ID) {
			WriteTooManyRequests(w, r, 1)
			return
		}
		next(w, r.WithContext(auth.WithAgent(r.Context(), agent.ID)))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// agentRateLimiter manages per-agent token buckets.
type agentRateLimiter struct {
	mu      sync.Mutex
	buckets map[int64]*agentBucket
	rps     rate.Limit
	burst   int
}

type agentBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newAgentRateLimiter creates a limiter allowing rps requests per second with
// the given burst, per agent ID.
func newAgentRateLimiter(rps int, burst int) *agentRateLimiter {
	rl := &agentRateLimiter{
		buckets: make(map[int64]*agentBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *agentRateLimiter) allow(agentID int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[agentID]
	if !ok {
		b = &agentBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[agentID] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// cleanup removes stale buckets to prevent unbounded growth.
// Checks every minute, removes entries idle for over 3 minutes.
func (rl *agentRateLimiter) cleanup() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for id, b := range rl.buckets {
			if time.Since(b.lastSeen) > 3*time.Minute {
				delete(rl.buckets, id)
			}
		}
		rl.mu.Unlock()
	}
}
