package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the API accepts. Subject carries the caller's
// user id, or the service name for service tokens.
type Claims struct {
	Admin   bool `json:"adm,omitempty"`
	Service bool `json:"svc,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject as a user id.
func (c *Claims) UserID() (int64, error) {
	uid, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || uid <= 0 {
		return 0, fmt.Errorf("api: invalid subject %q", c.Subject)
	}
	return uid, nil
}

// IssueToken signs an HS256 token for userID. A zero ttl issues a token
// without expiry.
func IssueToken(secret []byte, userID int64, admin bool, ttl time.Duration) (string, error) {
	return sign(secret, &Claims{Admin: admin}, strconv.FormatInt(userID, 10), ttl)
}

// IssueServiceToken signs a token for a transport such as the bot, which
// acts on behalf of every user. Only service tokens reach the account and
// payment routes.
func IssueServiceToken(secret []byte, name string, ttl time.Duration) (string, error) {
	return sign(secret, &Claims{Service: true}, name, ttl)
}

func sign(secret []byte, claims *Claims, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.Subject = subject
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("api: sign token: %w", err)
	}
	return signed, nil
}

var errNoSecret = errors.New("api: token secret is not configured")

func (s *Server) parseToken(raw string) (*Claims, error) {
	if len(s.secret) == 0 {
		return nil, errNoSecret
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// authenticate rejects requests without a valid bearer token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			respondError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}

		claims, err := s.parseToken(raw)
		if err != nil {
			s.logger.Info("api: token rejected",
				"request_id", requestIDFrom(r.Context()),
				"error", err,
			)
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// requireService admits only service tokens.
func (s *Server) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := claimsFrom(r.Context()); claims == nil || !claims.Service {
			respondError(w, http.StatusForbidden, "service token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin admits only tokens with the admin claim whose subject is on
// the engine's admin allow-list.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())
		if claims == nil || !claims.Admin {
			respondError(w, http.StatusForbidden, "admin token required")
			return
		}
		uid, err := claims.UserID()
		if err != nil || !s.engine.IsAdmin(uid) {
			respondError(w, http.StatusForbidden, "not an admin")
			return
		}
		next.ServeHTTP(w, r)
	})
}
