package security

import (
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// IdentityProvider resolves an opaque client token to a stable user id.
// Credential issuance lives elsewhere; the gateway only verifies.
type IdentityProvider interface {
	Verify(token string) (userID string, err error)
}

// Options controls signing algorithm and TTL.
type Options struct {
	Secret []byte        // HMAC key, from env/KMS in production
	Alg    string        // HS256/HS384/HS512 (default HS256)
	TTL    time.Duration // token lifetime (default 2h)
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// JWTProvider is the HMAC-JWT implementation of IdentityProvider.
type JWTProvider struct {
	opts Options
}

func NewJWTProvider(opts Options) *JWTProvider {
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	return &JWTProvider{opts: opts}
}

// Generate issues a token for userID; used by tooling and tests.
func (p *JWTProvider) Generate(userID string) (string, error) {
	method, err := signingMethod(p.opts.Alg)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(p.opts.TTL).Unix(),
	}
	tok := jwtlib.NewWithClaims(method, claims)
	return tok.SignedString(p.opts.Secret)
}

func (p *JWTProvider) Verify(token string) (string, error) {
	if _, err := signingMethod(p.opts.Alg); err != nil {
		return "", err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return p.opts.Secret, nil
	})
	if err != nil {
		return "", errors.Wrap(err, "parse token")
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return "", errors.New("claims type mismatch")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token missing sub")
	}
	return sub, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
