package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/atmx/stake-engine/internal/address"
)

// AccountHeader carries the caller address when bearer auth is disabled.
const AccountHeader = "X-Account"

type contextKey string

const contextKeyCaller contextKey = "stake.caller"

// IdentityConfig selects how callers are identified. With an empty Secret
// the X-Account header is trusted, which is only suitable for development.
type IdentityConfig struct {
	Secret    string
	Issuer    string
	ClockSkew time.Duration
}

// Identity resolves the caller address of each request.
type Identity struct {
	secret []byte
	issuer string
	skew   time.Duration
}

func NewIdentity(cfg IdentityConfig) *Identity {
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Identity{
		secret: []byte(strings.TrimSpace(cfg.Secret)),
		issuer: cfg.Issuer,
		skew:   skew,
	}
}

// Middleware attaches the caller address to the request context when one
// is presented. Requests without credentials pass through anonymously;
// handlers that need a caller call requireCaller. Invalid credentials are
// rejected outright.
func (id *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := id.resolve(r)
		if err != nil {
			slog.Debug("identity rejected", "path", r.URL.Path, "err", err)
			writeError(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		if caller != "" {
			r = r.WithContext(context.WithValue(r.Context(), contextKeyCaller, caller))
		}
		next.ServeHTTP(w, r)
	})
}

func (id *Identity) resolve(r *http.Request) (string, error) {
	if len(id.secret) == 0 {
		raw := r.Header.Get(AccountHeader)
		if raw == "" {
			return "", nil
		}
		return address.ParseNonZero(raw)
	}

	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return "", nil
	}
	claims, err := id.parseToken(tokenString)
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return address.ParseNonZero(sub)
}

func (id *Identity) parseToken(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(id.skew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if id.issuer != "" {
		opts = append(opts, jwt.WithIssuer(id.issuer))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return id.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// CallerFrom returns the authenticated caller of a request, if any.
func CallerFrom(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(string)
	return caller, ok && caller != ""
}

// requireCaller writes 401 and returns false when the request is anonymous.
func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, "caller identity required", http.StatusUnauthorized)
		return "", false
	}
	return caller, true
}
