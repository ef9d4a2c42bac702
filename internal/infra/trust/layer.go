// Package trust manages signing entities: registration, rotation with
// overlapping validity windows, revocation, and M-of-N countersigning.
// It is always passed in explicitly; nothing reaches it as ambient state.
package trust

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ciaf/internal/domain"
	"ciaf/internal/infra/crypto"
)

// KeyStore is the raw key backend underneath the layer. The soft ed25519
// manager satisfies it; tests substitute failing fakes.
type KeyStore interface {
	Generate() (kid string, pubKey []byte, err error)
	Sign(ctx context.Context, kid string, payload []byte) ([]byte, error)
	Verify(payload []byte, sig []byte, pubKey []byte) error
}

type entityState struct {
	mu sync.Mutex // serializes signing against this entity's key state

	id        string
	role      domain.Role
	records   []domain.SigningEntity // key generations, newest last
	revokedAt *time.Time
}

type Layer struct {
	mu       sync.Mutex
	keys     KeyStore
	entities map[string]*entityState
	byRole   map[domain.Role][]string
	byKID    map[string]domain.SigningEntity
	clock    func() time.Time
}

func NewLayer(keys KeyStore, clock func() time.Time) *Layer {
	if clock == nil {
		clock = time.Now
	}
	return &Layer{
		keys:     keys,
		entities: make(map[string]*entityState),
		byRole:   make(map[domain.Role][]string),
		byKID:    make(map[string]domain.SigningEntity),
		clock:    clock,
	}
}

// Register creates a signing entity with a fresh key. A zero validFor
// leaves the validity window open-ended.
func (l *Layer) Register(id string, role domain.Role, validFor time.Duration) (domain.SigningEntity, error) {
	if id == "" {
		return domain.SigningEntity{}, errors.New("entity id is required")
	}
	kid, pubKey, err := l.keys.Generate()
	if err != nil {
		return domain.SigningEntity{}, fmt.Errorf("%w: %v", domain.ErrSigningUnavailable, err)
	}

	now := l.clock().UTC()
	record := domain.SigningEntity{
		ID:        id,
		Role:      role,
		KID:       kid,
		Alg:       "ed25519",
		PublicKey: pubKey,
		NotBefore: now,
		CreatedAt: now,
	}
	if validFor > 0 {
		record.NotAfter = now.Add(validFor)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entities[id]; exists {
		return domain.SigningEntity{}, fmt.Errorf("entity %s already registered", id)
	}
	l.entities[id] = &entityState{id: id, role: role, records: []domain.SigningEntity{record}}
	l.byRole[role] = append(l.byRole[role], id)
	l.byKID[kid] = record
	return record, nil
}

// Rotate issues a new key for the entity. The outgoing key keeps an
// overlap window so signatures produced near the boundary stay resolvable
// against it.
func (l *Layer) Rotate(entityID string, overlap time.Duration) (domain.SigningEntity, error) {
	l.mu.Lock()
	state, ok := l.entities[entityID]
	l.mu.Unlock()
	if !ok {
		return domain.SigningEntity{}, fmt.Errorf("rotate %s: %w", entityID, domain.ErrNotFound)
	}

	kid, pubKey, err := l.keys.Generate()
	if err != nil {
		return domain.SigningEntity{}, fmt.Errorf("%w: %v", domain.ErrSigningUnavailable, err)
	}
	now := l.clock().UTC()

	state.mu.Lock()
	defer state.mu.Unlock()
	idx := len(state.records) - 1
	if state.records[idx].NotAfter.IsZero() || state.records[idx].NotAfter.After(now.Add(overlap)) {
		state.records[idx].NotAfter = now.Add(overlap)
	}
	outgoing := state.records[idx]
	record := domain.SigningEntity{
		ID:        entityID,
		Role:      state.role,
		KID:       kid,
		Alg:       "ed25519",
		PublicKey: pubKey,
		NotBefore: now,
		CreatedAt: now,
	}
	state.records = append(state.records, record)

	l.mu.Lock()
	l.byKID[kid] = record
	l.byKID[outgoing.KID] = outgoing
	l.mu.Unlock()
	return record, nil
}

// Revoke stops all future signing by the entity. Signatures it produced
// before revocation remain verifiable: non-repudiation survives the key.
func (l *Layer) Revoke(entityID string) error {
	l.mu.Lock()
	state, ok := l.entities[entityID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("revoke %s: %w", entityID, domain.ErrNotFound)
	}
	now := l.clock().UTC()
	state.mu.Lock()
	if state.revokedAt == nil {
		state.revokedAt = &now
	}
	state.mu.Unlock()
	return nil
}

// Sign selects an active entity holding the role and signs the digest.
// Roles whose entities are all revoked fail with ErrRevokedEntity; roles
// with no usable key fail with ErrSigningUnavailable.
func (l *Layer) Sign(ctx context.Context, digest []byte, role domain.Role) (domain.Signature, error) {
	l.mu.Lock()
	ids := append([]string(nil), l.byRole[role]...)
	l.mu.Unlock()
	if len(ids) == 0 {
		return domain.Signature{}, fmt.Errorf("%w: no entity registered for role %s", domain.ErrSigningUnavailable, role)
	}

	sawRevoked := false
	for _, id := range ids {
		sig, err := l.SignAs(ctx, digest, id)
		if err == nil {
			return sig, nil
		}
		if errors.Is(err, domain.ErrRevokedEntity) {
			sawRevoked = true
		}
	}
	if sawRevoked {
		return domain.Signature{}, fmt.Errorf("%w: all entities for role %s revoked", domain.ErrRevokedEntity, role)
	}
	return domain.Signature{}, fmt.Errorf("%w: no active signer for role %s", domain.ErrSigningUnavailable, role)
}

// SignAs signs with one specific entity, serialized against its key state.
func (l *Layer) SignAs(ctx context.Context, digest []byte, entityID string) (domain.Signature, error) {
	l.mu.Lock()
	state, ok := l.entities[entityID]
	l.mu.Unlock()
	if !ok {
		return domain.Signature{}, fmt.Errorf("sign as %s: %w", entityID, domain.ErrNotFound)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.revokedAt != nil {
		return domain.Signature{}, fmt.Errorf("%w: %s revoked at %s", domain.ErrRevokedEntity, entityID, state.revokedAt.Format(time.RFC3339))
	}

	now := l.clock().UTC()
	record := state.records[len(state.records)-1]
	if !record.ValidAt(now) {
		return domain.Signature{}, fmt.Errorf("%w: key window for %s expired", domain.ErrSigningUnavailable, entityID)
	}

	payload, err := crypto.SignaturePayload(digest, entityID, record.KID, now)
	if err != nil {
		return domain.Signature{}, err
	}
	raw, err := l.keys.Sign(ctx, record.KID, payload)
	if err != nil {
		if errors.Is(err, domain.ErrSigningUnavailable) {
			return domain.Signature{}, err
		}
		return domain.Signature{}, fmt.Errorf("%w: %v", domain.ErrSigningUnavailable, err)
	}
	return domain.Signature{
		Alg:      record.Alg,
		EntityID: entityID,
		KID:      record.KID,
		SignedAt: now,
		Value:    raw,
	}, nil
}

// Verify checks a signature against the key that was valid at the
// signature's embedded timestamp, not at verification time. A revoked
// entity's past signatures therefore still verify.
func (l *Layer) Verify(digest []byte, sig domain.Signature) error {
	l.mu.Lock()
	record, ok := l.byKID[sig.KID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("verify: key %s: %w", sig.KID, domain.ErrNotFound)
	}
	if record.ID != sig.EntityID {
		return fmt.Errorf("verify: key %s does not belong to entity %s", sig.KID, sig.EntityID)
	}
	if !record.ValidAt(sig.SignedAt) {
		return fmt.Errorf("verify: key %s was not valid at %s", sig.KID, sig.SignedAt.Format(time.RFC3339))
	}
	payload, err := crypto.SignaturePayload(digest, sig.EntityID, sig.KID, sig.SignedAt)
	if err != nil {
		return err
	}
	return l.keys.Verify(payload, sig.Value, record.PublicKey)
}

// Countersign collects signatures from distinct entities across the given
// roles, in parallel, and fails with ErrThresholdNotMet below m. Partial
// sets are never silently accepted.
func (l *Layer) Countersign(ctx context.Context, digest []byte, roles []domain.Role, m int) ([]domain.Signature, error) {
	if m <= 0 {
		return nil, errors.New("countersign threshold must be positive")
	}

	l.mu.Lock()
	seen := make(map[string]struct{})
	var ids []string
	for _, role := range roles {
		for _, id := range l.byRole[role] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()

	if len(ids) < m {
		return nil, fmt.Errorf("%w: %d eligible entities for threshold %d", domain.ErrThresholdNotMet, len(ids), m)
	}

	type result struct {
		sig domain.Signature
		err error
	}
	results := make(chan result, len(ids))
	for _, id := range ids {
		go func(entityID string) {
			sig, err := l.SignAs(ctx, digest, entityID)
			results <- result{sig: sig, err: err}
		}(id)
	}

	var sigs []domain.Signature
	var failures []error
	for range ids {
		r := <-results
		if r.err != nil {
			failures = append(failures, r.err)
			continue
		}
		sigs = append(sigs, r.sig)
	}
	if len(sigs) < m {
		return nil, fmt.Errorf("%w: got %d of %d required signatures: %w",
			domain.ErrThresholdNotMet, len(sigs), m, errors.Join(failures...))
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].EntityID < sigs[j].EntityID })
	return sigs, nil
}

// Lookup resolves the entity record that owns a key id, for embedding
// signer identities into proof bundles.
func (l *Layer) Lookup(kid string) (domain.SigningEntity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.byKID[kid]
	return record, ok
}
