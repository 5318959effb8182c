package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"pulseim/tools/errs"
)

// Options controls signing and TTL.
type Options struct {
	Secret []byte        // HMAC secret
	Alg    string        // HS256/HS384/HS512, default HS256
	TTL    time.Duration // token lifetime, default 2h
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// TokenAuth authenticates device tokens. Claims carry the user id in `sub`
// and the device id in `did`; a token without a device id is rejected since
// every connection is owned by exactly one device.
type TokenAuth struct {
	opts Options
}

func NewTokenAuth(opts Options) *TokenAuth {
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	return &TokenAuth{opts: opts}
}

// Generate issues a token for (userID, deviceID). Used by the session
// service and by tests; the gateway itself only verifies.
func (a *TokenAuth) Generate(userID, deviceID string) (string, time.Time, error) {
	method, err := signingMethod(a.opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now()
	exp := now.Add(a.opts.TTL)
	claims := jwtlib.MapClaims{
		"sub": userID,
		"did": deviceID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	tok := jwtlib.NewWithClaims(method, claims)
	signed, err := tok.SignedString(a.opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Authenticate implements the gateway Auth collaborator.
func (a *TokenAuth) Authenticate(_ context.Context, token string) (userID, deviceID string, err error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// HMAC family only
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return a.opts.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", "", errs.ErrAuthFailed.WrapMsg(fmt.Sprintf("parse: %v", err))
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return "", "", errs.ErrAuthFailed.WrapMsg("claims type mismatch")
	}
	userID, _ = claims["sub"].(string)
	deviceID, _ = claims["did"].(string)
	if userID == "" || deviceID == "" {
		return "", "", errs.ErrAuthFailed.WrapMsg("missing sub/did claim")
	}
	return userID, deviceID, nil
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
