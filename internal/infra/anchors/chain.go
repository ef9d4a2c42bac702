// Package anchors derives the per-lifecycle commitment chain. Each stage
// anchor is an HMAC-SHA256 keyed with the parent anchor digest, so the
// derivation is one-way toward the parent and deterministic toward every
// child.
package anchors

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"ciaf/internal/domain"
)

const derivationLabel = "ciaf/anchor/v1"

// Chain holds the anchors derived so far for one lifecycle instance.
// It is an exclusive resource: concurrent derivations are serialized so a
// lifecycle can never grow divergent anchor histories.
type Chain struct {
	mu          sync.Mutex
	lifecycleID string
	rootDigest  []byte
	anchors     []domain.Anchor
	clock       func() time.Time
}

func NewChain(lifecycleID string, rootSecret []byte, clock func() time.Time) *Chain {
	if clock == nil {
		clock = time.Now
	}
	mac := hmac.New(sha256.New, rootSecret)
	mac.Write([]byte(derivationLabel))
	mac.Write([]byte(lifecycleID))
	return &Chain{
		lifecycleID: lifecycleID,
		rootDigest:  mac.Sum(nil),
		clock:       clock,
	}
}

// Derive produces the anchor for the next stage in lifecycle order. It is
// idempotent: deriving a stage that already has an anchor returns the
// existing one unchanged. Skipping ahead fails with ErrStageOrder.
func (c *Chain) Derive(stage domain.Stage, salt []byte) (domain.Anchor, error) {
	idx := stage.Index()
	if idx < 0 {
		return domain.Anchor{}, fmt.Errorf("%w: unknown stage %q", domain.ErrStageOrder, stage)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if idx < len(c.anchors) {
		return c.anchors[idx], nil
	}
	if idx != len(c.anchors) {
		return domain.Anchor{}, fmt.Errorf("%w: stage %s requires %s first",
			domain.ErrStageOrder, stage, domain.StageOrder[len(c.anchors)])
	}

	parent := c.head()
	anchor := domain.Anchor{
		LifecycleID:  c.lifecycleID,
		Stage:        stage,
		Digest:       deriveDigest(parent, stage, salt),
		ParentDigest: cloneDigest(parent),
		DerivedAt:    c.clock().UTC(),
	}
	c.anchors = append(c.anchors, anchor)
	return anchor, nil
}

// DeriveFrom derives the next stage anchor from an explicitly supplied
// parent, failing with ErrInvalidParent when the parent does not match the
// chain's current head. This is the contract external holders of anchor
// material go through.
func (c *Chain) DeriveFrom(parent domain.Anchor, stage domain.Stage, salt []byte) (domain.Anchor, error) {
	c.mu.Lock()
	head := cloneDigest(c.head())
	c.mu.Unlock()

	if !bytes.Equal(parent.Digest, head) {
		return domain.Anchor{}, fmt.Errorf("%w: supplied parent does not match stage head", domain.ErrInvalidParent)
	}
	return c.Derive(stage, salt)
}

// Anchor returns the derived anchor for a stage, if any.
func (c *Chain) Anchor(stage domain.Stage) (domain.Anchor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := stage.Index()
	if idx < 0 || idx >= len(c.anchors) {
		return domain.Anchor{}, false
	}
	return c.anchors[idx], true
}

// Root exposes the lifecycle root commitment (the parent of the first
// stage anchor).
func (c *Chain) Root() []byte {
	return cloneDigest(c.rootDigest)
}

func (c *Chain) head() []byte {
	if len(c.anchors) == 0 {
		return c.rootDigest
	}
	return c.anchors[len(c.anchors)-1].Digest
}

func deriveDigest(parent []byte, stage domain.Stage, salt []byte) []byte {
	mac := hmac.New(sha256.New, parent)
	mac.Write([]byte(derivationLabel))
	mac.Write([]byte{0x00})
	mac.Write([]byte(stage))
	mac.Write([]byte{0x00})
	mac.Write(salt)
	return mac.Sum(nil)
}

func cloneDigest(digest []byte) []byte {
	if digest == nil {
		return nil
	}
	out := make([]byte, len(digest))
	copy(out, digest)
	return out
}

// Store hands out the chain for a lifecycle instance, creating it on first
// use. All callers share one chain per lifecycle.
type Store struct {
	mu         sync.Mutex
	rootSecret []byte
	chains     map[string]*Chain
	clock      func() time.Time
}

func NewStore(rootSecret []byte, clock func() time.Time) *Store {
	return &Store{
		rootSecret: append([]byte(nil), rootSecret...),
		chains:     make(map[string]*Chain),
		clock:      clock,
	}
}

func (s *Store) Chain(lifecycleID string) *Chain {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[lifecycleID]
	if !ok {
		chain = NewChain(lifecycleID, s.rootSecret, s.clock)
		s.chains[lifecycleID] = chain
	}
	return chain
}
