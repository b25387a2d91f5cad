// internal/server/middleware.go
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/internal/ratelimit"
)

const (
	csrfCookieName = "csrf-token"
	csrfHeaderName = "X-CSRF-Token"
	csrfTTL        = 2 * time.Hour

	sessionCookieName = "session"
)

type contextKey string

const userIDKey contextKey = "user_id"

// UserID extracts the authenticated user id from a request context.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// secureHeaders sets the baseline security headers, skipped for WebSocket
// upgrades.
func (s *Server) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWebSocketUpgrade(r) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if s.cfg.Server.Development() {
				h.Set("Content-Security-Policy", "default-src 'self' 'unsafe-inline' 'unsafe-eval' ws: http:")
			} else {
				h.Set("Content-Security-Policy", "default-src 'self'")
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin implements the CORS allow-list: the configured custom domain
// plus dev loopback on ports 3000/5173.
func (s *Server) allowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	if s.cfg.Server.CustomDomain != "" {
		if origin == "https://"+s.cfg.Server.CustomDomain || origin == "http://"+s.cfg.Server.CustomDomain {
			return true
		}
	}
	if s.cfg.Server.Development() {
		for _, dev := range []string{
			"http://localhost:3000", "http://localhost:5173",
			"http://127.0.0.1:3000", "http://127.0.0.1:5173",
		} {
			if origin == dev {
				return true
			}
		}
	}
	return false
}

// cors applies the allow-list policy with credentials and the exposed
// rate-limit headers.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowedOrigin(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+csrfHeaderName)
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining")
			h.Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newCSRFToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

// issueCSRFCookie sets a fresh token cookie.
func issueCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(csrfTTL / time.Second),
		SameSite: http.SameSiteLaxMode,
	})
}

// RotateCSRF invalidates the current token; called on auth changes.
func RotateCSRF(w http.ResponseWriter) {
	issueCSRFCookie(w, newCSRFToken())
}

// csrf implements double-submit cookie protection for /api/*. Safe methods
// are handed a fresh token when they carry none; all other methods must
// present a header matching the cookie.
func (s *Server) csrf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			if _, err := r.Cookie(csrfCookieName); err != nil {
				issueCSRFCookie(w, newCSRFToken())
			}
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		header := r.Header.Get(csrfHeaderName)
		if err != nil || cookie.Value == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			s.logger.Warn("CSRF validation failed",
				zap.String("path", r.URL.Path), zap.String("method", r.Method))
			writeJSONError(w, http.StatusForbidden, "CSRF token missing or invalid", "CSRF_VIOLATION")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the global per-identity limit from config.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	cfg := ratelimit.Config{
		Limit:       s.cfg.RateLimit.Limit,
		Period:      time.Duration(s.cfg.RateLimit.Period) * time.Second,
		Burst:       s.cfg.RateLimit.Burst,
		BurstWindow: time.Duration(s.cfg.RateLimit.BurstWindow) * time.Second,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.RateLimit.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		key := UserID(r.Context())
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = "ip:" + host
		}
		res := s.limiter.Increment(r.Context(), "api:"+key, cfg)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.RemainingLimit))
		if !res.Success {
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMode selects how much identity a route requires.
type authMode int

const (
	authPublic authMode = iota
	authRequired
	authOwnerOnly
)

// authenticate resolves the session token (cookie or bearer) into a user id.
func (s *Server) authenticate(r *http.Request) (string, error) {
	var raw string
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		raw = cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		raw = strings.TrimPrefix(auth, "Bearer ")
	}
	if raw == "" {
		return "", fmt.Errorf("no session token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.Auth.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid session token")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("session token missing subject")
	}
	return sub, nil
}

// auth wraps a handler with the given identity requirement. Owner-only
// consults the ownership check against the agentId or id path parameter.
func (s *Server) auth(mode authMode, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authenticate(r)
		if err != nil && mode != authPublic {
			writeJSONError(w, http.StatusUnauthorized, "authentication required", "UNAUTHENTICATED")
			return
		}
		if userID != "" {
			r = r.WithContext(context.WithValue(r.Context(), userIDKey, userID))
		}

		if mode == authOwnerOnly {
			resourceID := r.PathValue("agentId")
			if resourceID == "" {
				resourceID = r.PathValue("id")
			}
			if resourceID == "" {
				writeJSONError(w, http.StatusForbidden, "resource id required", "FORBIDDEN")
				return
			}
			if s.apps == nil {
				// No app database configured: ownership cannot be asserted.
				next(w, r)
				return
			}
			owner, err := s.apps.IsAppOwner(r.Context(), userID, resourceID)
			if err != nil {
				s.logger.Error("Ownership check failed", zap.Error(err))
				writeJSONError(w, http.StatusInternalServerError, "ownership check failed", "INTERNAL")
				return
			}
			if !owner {
				writeJSONError(w, http.StatusForbidden, "not the resource owner", "FORBIDDEN")
				return
			}
		}
		next(w, r)
	}
}
