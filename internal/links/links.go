// Package links generates signed unsubscribe URLs.
package links

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
)

// Generator builds per-user, per-category opt-out links signed with an
// HMAC so the unsubscribe endpoint can verify them without state.
type Generator struct {
	BaseURL string
	Secret  []byte
}

func NewGenerator(baseURL string, secret []byte) *Generator {
	return &Generator{BaseURL: baseURL, Secret: secret}
}

func (g *Generator) Generate(ctx context.Context, tenancyID, userID, categoryID string) (string, error) {
	if g.BaseURL == "" {
		return "", errors.New("unsubscribe base url not configured")
	}
	if userID == "" {
		return "", errors.New("unsubscribe link requires a user id")
	}

	mac := hmac.New(sha256.New, g.Secret)
	fmt.Fprintf(mac, "%s|%s|%s", tenancyID, userID, categoryID)
	sig := hex.EncodeToString(mac.Sum(nil))

	q := url.Values{}
	q.Set("tenancy", tenancyID)
	q.Set("user", userID)
	q.Set("category", categoryID)
	q.Set("sig", sig)

	return g.BaseURL + "/unsubscribe?" + q.Encode(), nil
}

// Verify checks a link's signature against its parameters.
func (g *Generator) Verify(tenancyID, userID, categoryID, sig string) bool {
	mac := hmac.New(sha256.New, g.Secret)
	fmt.Fprintf(mac, "%s|%s|%s", tenancyID, userID, categoryID)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}
