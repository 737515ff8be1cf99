package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"auctionchain/crypto"
	"auctionchain/observability"
	"auctionchain/observability/logging"
)

// ScopeLedgerCredit authorises minting funds through ledger_credit.
const ScopeLedgerCredit = "ledger:credit"

const limiterIdleTTL = 5 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client address.
type rateLimiter struct {
	perSecond rate.Limit
	burst     int

	mu       sync.Mutex
	visitors map[string]*limiterEntry
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		visitors:  make(map[string]*limiterEntry),
	}
}

func (l *rateLimiter) allow(client string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, entry := range l.visitors {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.visitors, id)
		}
	}
	entry, ok := l.visitors[client]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[client] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := clientSource(r)
		if !s.limiter.allow(source, s.now()) {
			observability.RPC().Throttled("rate_limit")
			w.Header().Set("Content-Type", "application/json")
			writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", source)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// replayCache remembers accepted signatures until they expire.
type replayCache struct {
	ttl  time.Duration
	mu   sync.Mutex
	seen map[string]time.Time
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// remember returns false when key was already accepted within the TTL.
func (c *replayCache) remember(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, seenAt := range c.seen {
		if now.Sub(seenAt) > c.ttl {
			delete(c.seen, k)
		}
	}
	if _, exists := c.seen[key]; exists {
		return false
	}
	c.seen[key] = now
	return true
}

// SignedEnvelope carries a caller-authorised mutation. Payload holds the JSON
// parameters exactly as they were signed.
type SignedEnvelope struct {
	Caller    string `json:"caller"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// SignEnvelope signs payload for method at timestamp with key.
func SignEnvelope(key *crypto.PrivateKey, method string, payload []byte, timestamp int64) (*SignedEnvelope, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key required")
	}
	sig, err := key.Sign(crypto.SigningDigest(method, timestamp, payload))
	if err != nil {
		return nil, err
	}
	return &SignedEnvelope{
		Caller:    key.PubKey().Address().String(),
		Payload:   string(payload),
		Signature: "0x" + hex.EncodeToString(sig),
		Timestamp: timestamp,
	}, nil
}

// authenticate verifies the envelope in params[0] and returns the caller and
// the signed payload.
func (s *Server) authenticate(r *http.Request, req *RPCRequest) ([20]byte, []byte, int, *RPCError) {
	var caller [20]byte
	if len(req.Params) != 1 {
		return caller, nil, http.StatusBadRequest, &RPCError{Code: codeInvalidParams, Message: "signed envelope required"}
	}
	var env SignedEnvelope
	if err := json.Unmarshal(req.Params[0], &env); err != nil {
		return caller, nil, http.StatusBadRequest, &RPCError{Code: codeInvalidParams, Message: "invalid envelope", Data: err.Error()}
	}
	caller, err := crypto.ParseAddress(env.Caller)
	if err != nil {
		return caller, nil, http.StatusBadRequest, &RPCError{Code: codeInvalidParams, Message: "invalid caller", Data: err.Error()}
	}
	now := s.now()
	skew := now.Sub(time.Unix(env.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.SignatureSkew {
		return caller, nil, http.StatusUnauthorized, &RPCError{Code: codeAuthorization, Message: "envelope timestamp outside allowed skew"}
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(env.Signature), "0x"))
	if err != nil {
		return caller, nil, http.StatusBadRequest, &RPCError{Code: codeInvalidParams, Message: "invalid signature encoding", Data: err.Error()}
	}
	digest := crypto.SigningDigest(req.Method, env.Timestamp, []byte(env.Payload))
	signer, err := crypto.RecoverAddress(digest, sig)
	if err != nil || signer != caller {
		s.logger.WarnContext(r.Context(), "rejected envelope signature",
			"requestId", requestIDFrom(r.Context()),
			"method", req.Method,
			logging.MaskField("signature", env.Signature))
		return caller, nil, http.StatusUnauthorized, &RPCError{Code: codeAuthorization, Message: "signature does not match caller"}
	}
	if !s.replay.remember(replayKey(caller, digest), now) {
		return caller, nil, http.StatusConflict, &RPCError{Code: codeDuplicateCall, Message: "envelope already submitted"}
	}
	return caller, []byte(env.Payload), http.StatusOK, nil
}

// replayKey identifies an envelope by what was signed, not by the signature
// bytes, so re-encoded signatures over the same call collide.
func replayKey(caller [20]byte, digest []byte) string {
	return hex.EncodeToString(caller[:]) + hex.EncodeToString(digest)
}

type adminAuth struct {
	secret []byte
	issuer string
}

func newAdminAuth(secret, issuer string) *adminAuth {
	return &adminAuth{secret: []byte(strings.TrimSpace(secret)), issuer: strings.TrimSpace(issuer)}
}

var errAdminDisabled = errors.New("admin credentials not configured")

// require validates the bearer token on r and checks it grants scope.
func (a *adminAuth) require(r *http.Request, scope string) error {
	if a == nil || len(a.secret) == 0 {
		return errAdminDisabled
	}
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return errors.New("missing bearer token")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(strings.TrimSpace(parts[1]), claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...); err != nil {
		return err
	}
	for _, granted := range scopes(claims) {
		if granted == scope {
			return nil
		}
	}
	return fmt.Errorf("token lacks scope %q", scope)
}

func scopes(claims jwt.MapClaims) []string {
	switch v := claims["scope"].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
