// Package recipient resolves a block owner to the address reminders go to.
package recipient

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound means the owner has no usable address: no profile, an empty
// email, or one that does not parse.
var ErrNotFound = errors.New("recipient not found")

// ProfileStore reads the raw profile email; "" means no profile.
type ProfileStore interface {
	LookupEmail(ctx context.Context, ownerID uuid.UUID) (string, error)
}

// Resolver looks owners up in the profiles table.
type Resolver struct {
	profiles ProfileStore
}

func New(profiles ProfileStore) *Resolver {
	return &Resolver{profiles: profiles}
}

// ResolveEmail returns the bare address (no display name) for ownerID.
func (r *Resolver) ResolveEmail(ctx context.Context, ownerID uuid.UUID) (string, error) {
	raw, err := r.profiles.LookupEmail(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("lookup profile %s: %w", ownerID, err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: no email for owner %s", ErrNotFound, ownerID)
	}

	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid email for owner %s: %v", ErrNotFound, ownerID, err)
	}
	return addr.Address, nil
}
