// Package auth classifies the current viewer from the platform session token.
//
// The agent never authenticates anyone itself; it only needs to know which
// paywall branch applies when a preview locks: guests are routed to
// registration, registered-but-unsubscribed viewers are offered buy/subscribe,
// and subscribers are not gated at all.
package auth

import (
	"errors"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Entitlement is the viewer's access tier.
type Entitlement string

const (
	EntitlementGuest      Entitlement = "guest"
	EntitlementRegistered Entitlement = "registered"
	EntitlementSubscriber Entitlement = "subscriber"
)

// Gated reports whether previews must be enforced for this tier.
func (e Entitlement) Gated() bool {
	return e != EntitlementSubscriber
}

type Claims struct {
	jwt.RegisteredClaims
	Plan string `json:"plan,omitempty"`
}

type Verifier struct {
	Secret []byte
}

func (v Verifier) Parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Viewer is the resolved identity the rest of the agent works with.
type Viewer struct {
	UserID      string
	Entitlement Entitlement
}

// Classify resolves a session token into a Viewer. A missing or invalid
// token yields a guest, never an error: the platform treats an expired
// session exactly like an anonymous visit.
func Classify(v Verifier, tokenString string) Viewer {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Viewer{Entitlement: EntitlementGuest}
	}
	claims, err := v.Parse(tokenString)
	if err != nil || strings.TrimSpace(claims.Subject) == "" {
		return Viewer{Entitlement: EntitlementGuest}
	}
	ent := EntitlementRegistered
	if strings.TrimSpace(claims.Plan) != "" {
		ent = EntitlementSubscriber
	}
	return Viewer{UserID: claims.Subject, Entitlement: ent}
}
