// Package batch accumulates sealed receipt digests into bounded windows
// and commits each window under a countersigned Merkle root.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ciaf/internal/domain"
	"ciaf/internal/infra/crypto"
	"ciaf/internal/infra/merkle"
)

var ErrEmptyBatch = errors.New("batch has no receipts")

// Countersigner is the trust-layer slice the batcher needs for sealing.
type Countersigner interface {
	Countersign(ctx context.Context, digest []byte, roles []domain.Role, m int) ([]domain.Signature, error)
}

type Config struct {
	// MaxCount seals the open batch once it holds this many receipts.
	MaxCount int
	// MaxAge seals the open batch once its oldest receipt is this old.
	MaxAge time.Duration
	// Roles and Threshold configure the M-of-N root countersignature.
	Roles     []domain.Role
	Threshold int
	Clock     func() time.Time
}

type openBatch struct {
	id       string
	openedAt time.Time
	order    []string
	digests  [][]byte
	index    map[string]int
}

type sealedBatch struct {
	id      string
	order   []string
	digests [][]byte
	index   map[string]int
	root    domain.SignedRoot
}

type Batcher struct {
	mu     sync.Mutex
	cfg    Config
	signer Countersigner

	open       *openBatch
	sealed     map[string]*sealedBatch // batch id -> sealed batch
	lastSealed *sealedBatch
	byReceipt  map[string]*sealedBatch
	inBatch    map[string]struct{} // receipt ids accepted into any batch
	sealErr    error               // last deferred seal failure, cleared on the next successful seal
}

func New(cfg Config, signer Countersigner) *Batcher {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	return &Batcher{
		cfg:       cfg,
		signer:    signer,
		sealed:    make(map[string]*sealedBatch),
		byReceipt: make(map[string]*sealedBatch),
		inBatch:   make(map[string]struct{}),
	}
}

// Add accepts a receipt digest into the open batch, preserving arrival
// order. A receipt already accepted into any batch is a no-op: each
// receipt lives in exactly one batch. Add seals a due window first so
// the receipt starts the next one; when sealing fails (signature
// threshold not yet reachable) the window stays open, the receipt is
// still accepted, and the seal is retried by the next Seal, SealIfDue
// or Run tick. Add itself fails only on invalid input: an accepted
// receipt is never lost to a transient sealing failure.
func (b *Batcher) Add(ctx context.Context, receiptID string, digest []byte) error {
	if receiptID == "" {
		return errors.New("receipt id is required")
	}
	if len(digest) != merkle.HashSize {
		return merkle.ErrInvalidHashLen
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inBatch[receiptID]; ok {
		return nil
	}
	if err := b.sealIfDueLocked(ctx); err != nil {
		b.sealErr = err
	}
	if b.open == nil {
		b.open = &openBatch{
			id:       uuid.NewString(),
			openedAt: b.cfg.Clock().UTC(),
			index:    make(map[string]int),
		}
	}

	b.open.index[receiptID] = len(b.open.order)
	b.open.order = append(b.open.order, receiptID)
	b.open.digests = append(b.open.digests, append([]byte(nil), digest...))
	b.inBatch[receiptID] = struct{}{}

	if b.cfg.MaxCount > 0 && len(b.open.order) >= b.cfg.MaxCount {
		if err := b.sealLocked(ctx); err != nil {
			b.sealErr = err
		}
	}
	return nil
}

// Seal closes the open batch: computes the Merkle root over the receipt
// digests in arrival order and collects the configured signature
// threshold over it. A batch below threshold stays open for retry; it is
// never accepted partially signed.
func (b *Batcher) Seal(ctx context.Context) (domain.SignedRoot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sealLocked(ctx); err != nil {
		return domain.SignedRoot{}, err
	}
	// sealLocked leaves the newest sealed batch reachable via byReceipt;
	// report its root.
	return b.lastSealedRoot()
}

// SealIfDue closes the open batch only when its age bound has elapsed.
func (b *Batcher) SealIfDue(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealIfDueLocked(ctx)
}

// LastSealError reports the most recent seal failure deferred by Add,
// or nil once a later seal has succeeded.
func (b *Batcher) LastSealError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealErr
}

// Run drives the age bound until ctx is cancelled. Add only seals on
// the next arrival, so without a driver the last receipts of a quiet
// period would sit in an open window indefinitely and never become
// provable. A below-threshold window stays open; the next tick retries.
func (b *Batcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = b.SealIfDue(ctx)
		}
	}
}

// Prove returns the inclusion proof for a receipt in its sealed batch.
// Receipts still in the open window have no proof yet.
func (b *Batcher) Prove(receiptID string) (domain.InclusionProof, domain.SignedRoot, error) {
	b.mu.Lock()
	sealed, ok := b.byReceipt[receiptID]
	b.mu.Unlock()
	if !ok {
		return domain.InclusionProof{}, domain.SignedRoot{}, fmt.Errorf("receipt %s not in a sealed batch: %w", receiptID, domain.ErrNotFound)
	}

	// Sealed batch data is immutable; no lock needed to read it.
	index := sealed.index[receiptID]
	steps, err := merkle.Prove(sealed.digests, index)
	if err != nil {
		return domain.InclusionProof{}, domain.SignedRoot{}, err
	}
	return domain.InclusionProof{
		ReceiptID:  receiptID,
		LeafDigest: append([]byte(nil), sealed.digests[index]...),
		LeafIndex:  index,
		Steps:      steps,
	}, sealed.root, nil
}

func (b *Batcher) sealIfDueLocked(ctx context.Context) error {
	if b.open == nil || b.cfg.MaxAge <= 0 {
		return nil
	}
	if b.cfg.Clock().UTC().Sub(b.open.openedAt) < b.cfg.MaxAge {
		return nil
	}
	return b.sealLocked(ctx)
}

func (b *Batcher) sealLocked(ctx context.Context) error {
	if b.open == nil || len(b.open.order) == 0 {
		return ErrEmptyBatch
	}

	root, err := merkle.Root(b.open.digests)
	if err != nil {
		return err
	}
	payload, err := crypto.RootSigningPayload(b.open.id, root, len(b.open.order))
	if err != nil {
		return err
	}
	sigs, err := b.signer.Countersign(ctx, crypto.Sum256(payload), b.cfg.Roles, b.cfg.Threshold)
	if err != nil {
		return fmt.Errorf("seal batch %s: %w", b.open.id, err)
	}

	sealed := &sealedBatch{
		id:      b.open.id,
		order:   b.open.order,
		digests: b.open.digests,
		index:   b.open.index,
		root: domain.SignedRoot{
			BatchID:    b.open.id,
			Root:       root,
			LeafCount:  len(b.open.order),
			Threshold:  b.cfg.Threshold,
			SealedAt:   b.cfg.Clock().UTC(),
			Signatures: sigs,
		},
	}
	b.sealed[sealed.id] = sealed
	for _, id := range sealed.order {
		b.byReceipt[id] = sealed
	}
	b.open = nil
	b.lastSealed = sealed
	b.sealErr = nil
	return nil
}

func (b *Batcher) lastSealedRoot() (domain.SignedRoot, error) {
	if b.lastSealed == nil {
		return domain.SignedRoot{}, ErrEmptyBatch
	}
	return b.lastSealed.root, nil
}
