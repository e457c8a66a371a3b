package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuerName = "dmnk"

var ErrInvalidToken = errors.New("invalid session token")

// Issuer signs and verifies the session tokens handed out when the wallet is
// unlocked. Tokens are HS256 JWTs whose subject is the account address.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. An empty secret is replaced by a random one, so
// tokens do not survive a restart.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	return &Issuer{secret: key, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for account.
func (i *Issuer) Issue(account common.Address) (string, error) {
	now := i.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuerName,
		Subject:   account.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of token and returns its account.
func (i *Issuer) Verify(token string) (common.Address, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("%w: bad subject %q", ErrInvalidToken, claims.Subject)
	}
	return common.HexToAddress(claims.Subject), nil
}

type contextKey struct{}

// AccountFromContext returns the account set by Middleware.
func AccountFromContext(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(contextKey{}).(common.Address)
	return addr, ok
}

// WithAccount stores account in ctx.
func WithAccount(ctx context.Context, account common.Address) context.Context {
	return context.WithValue(ctx, contextKey{}, account)
}

// Middleware rejects requests without a valid token. The token is read from
// the Authorization header, or from the token query parameter for websocket
// upgrades where browsers cannot set headers.
func (i *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := TokenFromRequest(r)
		if token == "" {
			http.Error(w, "Missing session token", http.StatusUnauthorized)
			return
		}
		account, err := i.Verify(token)
		if err != nil {
			http.Error(w, "Invalid session token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
	})
}

func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
