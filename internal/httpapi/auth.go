package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// requireAuth gates /api/v1 handlers behind the shared API key. The
// key arrives as X-API-Key, as a bearer token, or as a short-lived
// stream token minted by MintStreamToken. When no key is configured
// the API is open.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.apiKey == "" {
			next(w, req)
			return
		}
		if err := r.authorize(req); err != nil {
			r.logger.Warn("request rejected", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, req)
	}
}

func (r *Router) authorize(req *http.Request) error {
	if key := req.Header.Get("X-API-Key"); key != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(r.apiKey)) == 1 {
			return nil
		}
		return errors.New("api key mismatch")
	}

	header := req.Header.Get("Authorization")
	if header == "" {
		if token := req.URL.Query().Get("token"); token != "" {
			return r.verifyStreamToken(token)
		}
		return errors.New("missing credentials")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return errors.New("invalid authorization header format")
	}
	token := parts[1]
	if subtle.ConstantTimeCompare([]byte(token), []byte(r.apiKey)) == 1 {
		return nil
	}
	return r.verifyStreamToken(token)
}

// MintStreamToken issues a short-lived HS256 token derived from the
// API key so browser clients never embed the key itself.
func (r *Router) MintStreamToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "zephyr",
		Subject:   "stream",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(r.streamTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(r.apiKey))
}

func (r *Router) verifyStreamToken(raw string) error {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(r.apiKey), nil
	}, jwt.WithIssuer("zephyr"), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid stream token")
	}
	return nil
}
