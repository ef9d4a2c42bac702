package usecase

import (
	"bytes"
	"context"
	"fmt"

	"ciaf/internal/domain"
	"ciaf/internal/infra/batch"
	"ciaf/internal/infra/crypto"
	"ciaf/internal/infra/merkle"
)

// KeyDirectory resolves the signing entity record behind a key id.
type KeyDirectory interface {
	Lookup(kid string) (domain.SigningEntity, bool)
}

// TrailCompiler turns the receipt trail into auditor-facing artifacts:
// filtered listings and self-contained proof bundles.
type TrailCompiler struct {
	trail   domain.TrailStore
	batcher *batch.Batcher
	keys    KeyDirectory
}

func NewTrailCompiler(trail domain.TrailStore, batcher *batch.Batcher, keys KeyDirectory) *TrailCompiler {
	return &TrailCompiler{trail: trail, batcher: batcher, keys: keys}
}

func (c *TrailCompiler) Receipt(ctx context.Context, id string) (*domain.Receipt, error) {
	return c.trail.Get(ctx, id)
}

func (c *TrailCompiler) List(ctx context.Context, query domain.TrailQuery) ([]domain.Receipt, error) {
	return c.trail.List(ctx, query)
}

// ForEach streams the receipts matching a query in trail order. Returning
// an error from fn stops the walk.
func (c *TrailCompiler) ForEach(ctx context.Context, query domain.TrailQuery, fn func(domain.Receipt) error) error {
	receipts, err := c.trail.List(ctx, query)
	if err != nil {
		return err
	}
	for _, receipt := range receipts {
		if err := fn(receipt); err != nil {
			return err
		}
	}
	return nil
}

// ExportProofBundle assembles everything a verifier needs to check an
// operation's stage receipt with no access to the live system. The
// receipt must already sit in a sealed batch.
func (c *TrailCompiler) ExportProofBundle(ctx context.Context, operationID string) (domain.ProofBundle, error) {
	receipts, err := c.trail.List(ctx, domain.TrailQuery{OperationID: operationID})
	if err != nil {
		return domain.ProofBundle{}, err
	}
	var receipt domain.Receipt
	found := false
	for _, r := range receipts {
		if r.Kind == domain.ReceiptKindStage {
			receipt = r
			found = true
		}
	}
	if !found {
		return domain.ProofBundle{}, fmt.Errorf("no stage receipt for operation %s: %w", operationID, domain.ErrNotFound)
	}

	proof, root, err := c.batcher.Prove(receipt.ID)
	if err != nil {
		return domain.ProofBundle{}, err
	}

	signers, err := c.resolveSigners(receipt, root)
	if err != nil {
		return domain.ProofBundle{}, err
	}
	return domain.ProofBundle{
		Receipt: receipt,
		Proof:   proof,
		Root:    root,
		Signers: signers,
	}, nil
}

// resolveSigners embeds every signer record a bundle's signatures refer
// to. A signature whose key is unknown to the directory makes the bundle
// unverifiable, so export fails instead.
func (c *TrailCompiler) resolveSigners(receipt domain.Receipt, root domain.SignedRoot) ([]domain.SigningEntity, error) {
	seen := make(map[string]bool)
	var signers []domain.SigningEntity
	add := func(kid string) error {
		if seen[kid] {
			return nil
		}
		entity, ok := c.keys.Lookup(kid)
		if !ok {
			return fmt.Errorf("unknown signing key %s", kid)
		}
		seen[kid] = true
		signers = append(signers, entity)
		return nil
	}

	if err := add(receipt.Signature.KID); err != nil {
		return nil, err
	}
	for _, sig := range root.Signatures {
		if err := add(sig.KID); err != nil {
			return nil, err
		}
	}
	return signers, nil
}

// VerifyProofBundle checks a bundle entirely from its own contents:
// receipt signature, leaf binding, Merkle inclusion, and the root's
// countersignature threshold. Any failure wraps ErrProofInvalid.
func VerifyProofBundle(bundle domain.ProofBundle) error {
	signers := make(map[string]domain.SigningEntity, len(bundle.Signers))
	for _, s := range bundle.Signers {
		signers[s.KID] = s
	}

	digest, err := crypto.ReceiptDigest(bundle.Receipt)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProofInvalid, err)
	}
	if err := verifyEmbeddedSignature(signers, digest, bundle.Receipt.Signature); err != nil {
		return fmt.Errorf("%w: receipt signature: %v", domain.ErrProofInvalid, err)
	}

	if !bytes.Equal(digest, bundle.Proof.LeafDigest) {
		return fmt.Errorf("%w: receipt digest does not match proof leaf", domain.ErrProofInvalid)
	}
	if bundle.Proof.ReceiptID != bundle.Receipt.ID {
		return fmt.Errorf("%w: proof bound to receipt %s, bundle carries %s", domain.ErrProofInvalid, bundle.Proof.ReceiptID, bundle.Receipt.ID)
	}
	if !merkle.VerifyInclusion(digest, bundle.Proof.Steps, bundle.Root.Root) {
		return fmt.Errorf("%w: merkle inclusion check failed", domain.ErrProofInvalid)
	}

	payload, err := crypto.RootSigningPayload(bundle.Root.BatchID, bundle.Root.Root, bundle.Root.LeafCount)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProofInvalid, err)
	}
	rootDigest := crypto.Sum256(payload)

	valid := make(map[string]bool)
	for _, sig := range bundle.Root.Signatures {
		if err := verifyEmbeddedSignature(signers, rootDigest, sig); err != nil {
			return fmt.Errorf("%w: root signature by %s: %v", domain.ErrProofInvalid, sig.EntityID, err)
		}
		valid[sig.EntityID] = true
	}
	if len(valid) < bundle.Root.Threshold {
		return fmt.Errorf("%w: %d distinct root signers, threshold is %d", domain.ErrProofInvalid, len(valid), bundle.Root.Threshold)
	}
	return nil
}

func verifyEmbeddedSignature(signers map[string]domain.SigningEntity, digest []byte, sig domain.Signature) error {
	entity, ok := signers[sig.KID]
	if !ok {
		return fmt.Errorf("no signer record for key %s", sig.KID)
	}
	if entity.ID != sig.EntityID {
		return fmt.Errorf("key %s belongs to %s, signature claims %s", sig.KID, entity.ID, sig.EntityID)
	}
	if !entity.ValidAt(sig.SignedAt) {
		return fmt.Errorf("key %s was not valid at %s", sig.KID, sig.SignedAt.UTC())
	}
	payload, err := crypto.SignaturePayload(digest, sig.EntityID, sig.KID, sig.SignedAt)
	if err != nil {
		return err
	}
	return crypto.VerifyEd25519(entity.PublicKey, payload, sig.Value)
}
