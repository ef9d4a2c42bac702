// Package merkle implements the batch tree commitment.
//
// Leaves are receipt digests hashed as sha256(0x00 || digest); internal
// nodes as sha256(0x01 || left || right) with the concatenation order
// fixed left-then-right. The leaf/node prefixes and the explicit left/right
// markers on proof steps rule out second-preimage and tree-structure
// ambiguity attacks. A level with an odd node count is padded by
// duplicating its last node, applied consistently at every level, so the
// tree is always balanced and proofs for n leaves are ceil(log2(n)) hops.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"ciaf/internal/domain"
)

const HashSize = sha256.Size

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

var (
	ErrEmptyTree      = errors.New("empty merkle tree")
	ErrInvalidHashLen = errors.New("invalid hash length")
	ErrInvalidIndex   = errors.New("invalid leaf index")
)

// LeafHash domain-separates a receipt digest from internal nodes.
func LeafHash(digest []byte) []byte {
	hasher := sha256.New()
	hasher.Write([]byte{leafPrefix})
	hasher.Write(digest)
	return hasher.Sum(nil)
}

func NodeHash(left, right []byte) []byte {
	hasher := sha256.New()
	hasher.Write([]byte{nodePrefix})
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}

// Root computes the batch root over receipt digests in arrival order.
func Root(digests [][]byte) ([]byte, error) {
	level, err := leafLevel(digests)
	if err != nil {
		return nil, err
	}
	for len(level) > 1 {
		level = levelUp(level)
	}
	return level[0], nil
}

// Prove returns the sibling path for the leaf at index.
func Prove(digests [][]byte, index int) ([]domain.ProofStep, error) {
	level, err := leafLevel(digests)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(level) {
		return nil, ErrInvalidIndex
	}

	var steps []domain.ProofStep
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := index ^ 1
		steps = append(steps, domain.ProofStep{
			Sibling: cloneHash(level[sibling]),
			Left:    sibling < index,
		})
		level = levelUp(level)
		index /= 2
	}
	return steps, nil
}

// VerifyInclusion recomputes the root from a receipt digest and its proof
// path and compares it against the expected root.
func VerifyInclusion(digest []byte, steps []domain.ProofStep, expectedRoot []byte) bool {
	if len(expectedRoot) != HashSize {
		return false
	}
	hash := LeafHash(digest)
	for _, step := range steps {
		if len(step.Sibling) != HashSize {
			return false
		}
		if step.Left {
			hash = NodeHash(step.Sibling, hash)
		} else {
			hash = NodeHash(hash, step.Sibling)
		}
	}
	return bytes.Equal(hash, expectedRoot)
}

func leafLevel(digests [][]byte) ([][]byte, error) {
	if len(digests) == 0 {
		return nil, ErrEmptyTree
	}
	level := make([][]byte, len(digests))
	for i, digest := range digests {
		if len(digest) != HashSize {
			return nil, fmt.Errorf("leaf %d: %w", i, ErrInvalidHashLen)
		}
		level[i] = LeafHash(digest)
	}
	return level, nil
}

func levelUp(level [][]byte) [][]byte {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}
	next := make([][]byte, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next = append(next, NodeHash(level[i], level[i+1]))
	}
	return next
}

func cloneHash(hash []byte) []byte {
	out := make([]byte, len(hash))
	copy(out, hash)
	return out
}
