package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/chapterhouse/distqe/cmn/cos"
)

// signIdentity produces a short-lived HMAC-signed assertion binding
// workerID to the shared cluster secret, carried in IdentifyPayload's
// optional Token field. Skipped entirely when secret is empty
// (single-tenant trusted-network default, spec.md §6 ambient flags).
func signIdentity(workerID cos.UUID128, secret string) (string, error) {
	claims := jwt.MapClaims{
		"wid": workerID.String(),
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(secret))
}

// verifyIdentity checks token was signed with secret and asserts the
// claimed worker id; returns an error on any mismatch or expiry.
func verifyIdentity(token string, claimedID cos.UUID128, secret string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("transport: identity token invalid: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return fmt.Errorf("transport: identity token claims invalid")
	}
	wid, _ := claims["wid"].(string)
	if wid != claimedID.String() {
		return fmt.Errorf("transport: identity token worker id %q does not match claimed %q", wid, claimedID)
	}
	return nil
}
