package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"
)

func testDigests(n int) [][]byte {
	digests := make([][]byte, n)
	for i := range digests {
		sum := sha256.Sum256([]byte(fmt.Sprintf("receipt-%d", i)))
		digests[i] = sum[:]
	}
	return digests
}

func TestRootSingleLeaf(t *testing.T) {
	digests := testDigests(1)
	root, err := Root(digests)
	if err != nil {
		t.Fatalf("compute root: %v", err)
	}
	if !bytes.Equal(root, LeafHash(digests[0])) {
		t.Fatal("single-leaf root must equal the leaf hash")
	}
}

func TestRootEmpty(t *testing.T) {
	if _, err := Root(nil); !errors.Is(err, ErrEmptyTree) {
		t.Fatalf("expected ErrEmptyTree, got %v", err)
	}
}

func TestRootRejectsBadLeafLength(t *testing.T) {
	if _, err := Root([][]byte{[]byte("short")}); !errors.Is(err, ErrInvalidHashLen) {
		t.Fatalf("expected ErrInvalidHashLen, got %v", err)
	}
}

func TestProveAndVerifyAllSizes(t *testing.T) {
	for n := 1; n <= 8; n++ {
		digests := testDigests(n)
		root, err := Root(digests)
		if err != nil {
			t.Fatalf("size %d: compute root: %v", n, err)
		}
		for i := 0; i < n; i++ {
			steps, err := Prove(digests, i)
			if err != nil {
				t.Fatalf("size %d leaf %d: prove: %v", n, i, err)
			}
			if !VerifyInclusion(digests[i], steps, root) {
				t.Fatalf("size %d leaf %d: proof did not verify", n, i)
			}
		}
	}
}

func TestFiveLeafProofLength(t *testing.T) {
	digests := testDigests(5)
	for i := 0; i < 5; i++ {
		steps, err := Prove(digests, i)
		if err != nil {
			t.Fatalf("prove leaf %d: %v", i, err)
		}
		if len(steps) != 3 {
			t.Fatalf("leaf %d: expected 3 proof steps for 5 leaves, got %d", i, len(steps))
		}
	}
}

func TestSwappedLeavesChangeRoot(t *testing.T) {
	digests := testDigests(5)
	root, err := Root(digests)
	if err != nil {
		t.Fatalf("compute root: %v", err)
	}

	swapped := testDigests(5)
	swapped[1], swapped[2] = swapped[2], swapped[1]
	swappedRoot, err := Root(swapped)
	if err != nil {
		t.Fatalf("compute swapped root: %v", err)
	}
	if bytes.Equal(root, swappedRoot) {
		t.Fatal("reordering leaves must change the root")
	}
}

func TestProofFailsAgainstWrongRoot(t *testing.T) {
	digests := testDigests(6)
	steps, err := Prove(digests, 2)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	otherRoot, err := Root(testDigests(7))
	if err != nil {
		t.Fatalf("compute other root: %v", err)
	}
	if VerifyInclusion(digests[2], steps, otherRoot) {
		t.Fatal("proof verified against the wrong root")
	}
}

func TestTamperedProofStepFails(t *testing.T) {
	digests := testDigests(4)
	root, err := Root(digests)
	if err != nil {
		t.Fatalf("compute root: %v", err)
	}
	steps, err := Prove(digests, 1)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	steps[0].Sibling[0] ^= 0xff
	if VerifyInclusion(digests[1], steps, root) {
		t.Fatal("tampered proof verified")
	}

	steps, err = Prove(digests, 1)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	steps[0].Left = !steps[0].Left
	if VerifyInclusion(digests[1], steps, root) {
		t.Fatal("proof with flipped sibling order verified")
	}
}

func TestProveRejectsBadIndex(t *testing.T) {
	digests := testDigests(3)
	if _, err := Prove(digests, -1); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
	if _, err := Prove(digests, 3); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
}
