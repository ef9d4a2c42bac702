package domain

import (
	"context"
	"time"
)

// Role classifies a signing entity. Policies may require signatures from
// specific roles, e.g. batch roots countersigned by auditor and operator.
type Role string

const (
	RoleModelOwner       Role = "model_owner"
	RoleAuditor          Role = "auditor"
	RolePlatformOperator Role = "platform_operator"
	RoleRegulator        Role = "regulator"
)

// SigningEntity is one key generation of a signing party. Rotation creates
// a new entity record with an overlapping validity window; revocation stops
// future signing but leaves past signatures verifiable.
type SigningEntity struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	KID       string    `json:"kid"`
	Alg       string    `json:"alg"`
	PublicKey []byte    `json:"public_key"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidAt reports whether the entity's key window covered the instant t.
// The window is half-open: [NotBefore, NotAfter).
func (e SigningEntity) ValidAt(t time.Time) bool {
	if t.Before(e.NotBefore) {
		return false
	}
	if !e.NotAfter.IsZero() && !t.Before(e.NotAfter) {
		return false
	}
	return true
}

// Signature binds a digest to the entity and key that produced it.
// SignedAt is part of the signed material: verification resolves the key
// that was valid at signing time, not at verification time.
type Signature struct {
	Alg      string    `json:"alg"`
	EntityID string    `json:"entity_id"`
	KID      string    `json:"kid"`
	SignedAt time.Time `json:"signed_at"`
	Value    []byte    `json:"value"`
}

// KeyManager performs raw cryptographic operations on resolved key ids.
type KeyManager interface {
	Sign(ctx context.Context, kid string, payload []byte) ([]byte, error)
	Verify(payload []byte, sig []byte, pubKey []byte) error
}

// Signer is the trust-layer surface the provenance core depends on.
type Signer interface {
	Sign(ctx context.Context, digest []byte, role Role) (Signature, error)
	Verify(digest []byte, sig Signature) error
	// Countersign collects signatures from distinct entities holding the
	// given roles and fails with ErrThresholdNotMet below m signatures.
	Countersign(ctx context.Context, digest []byte, roles []Role, m int) ([]Signature, error)
}
