package domain

import "time"

// ProofStep is one hop of an inclusion path. Left reports whether the
// sibling hash sits on the left of the concatenation when recomputing the
// parent, removing any ambiguity about hashing order.
type ProofStep struct {
	Sibling []byte `json:"sibling"`
	Left    bool   `json:"left"`
}

// InclusionProof lets a verifier recompute the batch root from a single
// receipt digest in O(log n) hashes.
type InclusionProof struct {
	ReceiptID  string      `json:"receipt_id"`
	LeafDigest []byte      `json:"leaf_digest"`
	LeafIndex  int         `json:"leaf_index"`
	Steps      []ProofStep `json:"steps"`
}

// SignedRoot is a sealed batch commitment: the Merkle root over the
// batch's receipt digests in arrival order, countersigned by the required
// signer threshold.
type SignedRoot struct {
	BatchID    string      `json:"batch_id"`
	Root       []byte      `json:"root"`
	LeafCount  int         `json:"leaf_count"`
	Threshold  int         `json:"threshold"`
	SealedAt   time.Time   `json:"sealed_at"`
	Signatures []Signature `json:"signatures"`
}

// ProofBundle is everything an external verifier needs to check one
// receipt offline: no network, no access to the live system.
type ProofBundle struct {
	Receipt Receipt         `json:"receipt"`
	Proof   InclusionProof  `json:"proof"`
	Root    SignedRoot      `json:"root"`
	Signers []SigningEntity `json:"signers"`
}
