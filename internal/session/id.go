package session

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tenantshowcase/inappdb/internal/auth"
)

// IDProvider issues identifiers for guest users.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// canonicalUserID picks the backend user id from session claims. Provider-prefixed ids
// ("provider:subject") keep only the subject; the token subject is the fallback.
func canonicalUserID(claims auth.SessionClaims) string {
	raw := strings.TrimSpace(claims.UserID)
	if strings.Contains(raw, ":") {
		segments := strings.SplitN(raw, ":", 2)
		if strings.TrimSpace(segments[0]) != "" && strings.TrimSpace(segments[1]) != "" {
			return strings.TrimSpace(segments[1])
		}
	}
	if raw != "" {
		return raw
	}
	return strings.TrimSpace(claims.Subject)
}
