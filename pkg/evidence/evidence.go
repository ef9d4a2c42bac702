// Package evidence builds operation contexts on the collaborator side.
// Evidence payloads never leave the caller: only canonical content
// digests are attached, so the core can commit to evidence it has never
// seen.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"ciaf/internal/domain"
	"ciaf/internal/infra/crypto"
)

// Digest canonicalizes a structured payload and returns its hex digest.
// Two payloads that differ only in key order or whitespace digest
// identically.
func Digest(payload any) (string, error) {
	return crypto.SHA256Hex(payload)
}

// DigestBytes digests an opaque payload as-is.
func DigestBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Builder accumulates an operation context. Zero value is not usable;
// start with NewOperation.
type Builder struct {
	op  domain.OperationContext
	err error
}

func NewOperation(lifecycleID string, stage domain.Stage) *Builder {
	return &Builder{op: domain.OperationContext{
		OperationID: uuid.NewString(),
		LifecycleID: lifecycleID,
		Stage:       stage,
	}}
}

func (b *Builder) WithOperationID(id string) *Builder {
	b.op.OperationID = id
	return b
}

func (b *Builder) WithMetadata(key, value string) *Builder {
	if b.op.Metadata == nil {
		b.op.Metadata = make(map[string]string)
	}
	b.op.Metadata[key] = value
	return b
}

// AddEvidence digests a structured payload and attaches the reference.
// The payload itself is discarded.
func (b *Builder) AddEvidence(name string, payload any) *Builder {
	if b.err != nil {
		return b
	}
	digest, err := Digest(payload)
	if err != nil {
		b.err = err
		return b
	}
	b.op.Evidence = append(b.op.Evidence, domain.EvidenceRef{Name: name, Digest: digest})
	return b
}

// AddEvidenceBytes attaches an opaque payload by content digest.
func (b *Builder) AddEvidenceBytes(name string, raw []byte, mediaType string) *Builder {
	if b.err != nil {
		return b
	}
	b.op.Evidence = append(b.op.Evidence, domain.EvidenceRef{
		Name:      name,
		Digest:    DigestBytes(raw),
		MediaType: mediaType,
	})
	return b
}

// AddEvidenceRef attaches a pre-computed reference, e.g. for evidence
// digested by another tool.
func (b *Builder) AddEvidenceRef(ref domain.EvidenceRef) *Builder {
	if b.err != nil {
		return b
	}
	if ref.Name == "" || ref.Digest == "" {
		b.err = errors.New("evidence reference needs a name and a digest")
		return b
	}
	b.op.Evidence = append(b.op.Evidence, ref)
	return b
}

func (b *Builder) Build() (*domain.OperationContext, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.op.LifecycleID == "" {
		return nil, errors.New("lifecycle id is required")
	}
	if !b.op.Stage.Valid() {
		return nil, errors.New("unknown stage")
	}
	op := b.op
	op.ReceivedAt = time.Now().UTC()
	op.Evidence = append([]domain.EvidenceRef(nil), b.op.Evidence...)
	return &op, nil
}
