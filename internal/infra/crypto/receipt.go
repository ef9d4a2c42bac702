package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"ciaf/internal/domain"
)

// receiptPayload is the fixed signing surface of a receipt. Everything
// except the signature goes in; field names here are the wire names an
// offline verifier must reproduce.
type receiptPayload struct {
	ID                string                `json:"id"`
	OperationID       string                `json:"operation_id"`
	LifecycleID       string                `json:"lifecycle_id"`
	Stage             domain.Stage          `json:"stage"`
	Kind              domain.ReceiptKind    `json:"kind"`
	Seq               int64                 `json:"seq"`
	WallTime          string                `json:"wall_time"`
	AnchorDigest      string                `json:"anchor_digest"`
	EvidenceDigest    string                `json:"evidence_digest"`
	PolicyVersion     string                `json:"policy_version"`
	PolicyOverlayHash string                `json:"policy_overlay_hash,omitempty"`
	Summary           domain.VerdictSummary `json:"summary"`
}

// ReceiptDigest computes the canonical digest a receipt signature covers.
func ReceiptDigest(r domain.Receipt) ([]byte, error) {
	if r.OperationID == "" || r.LifecycleID == "" {
		return nil, errors.New("receipt missing operation or lifecycle id")
	}
	payload := receiptPayload{
		ID:                r.ID,
		OperationID:       r.OperationID,
		LifecycleID:       r.LifecycleID,
		Stage:             r.Stage,
		Kind:              r.Kind,
		Seq:               r.Seq,
		WallTime:          canonicalTime(r.WallTime),
		AnchorDigest:      r.AnchorDigest,
		EvidenceDigest:    r.EvidenceDigest,
		PolicyVersion:     r.PolicyVersion,
		PolicyOverlayHash: r.PolicyOverlayHash,
		Summary:           r.Summary,
	}
	return SHA256(payload)
}

// EvidenceDigest computes the combined digest of the evidence references
// attached to an operation. The items are digested in the order supplied.
func EvidenceDigest(items []domain.EvidenceRef) (string, error) {
	refs := make([]map[string]any, 0, len(items))
	for _, item := range items {
		ref := map[string]any{
			"name":   item.Name,
			"digest": item.Digest,
		}
		if item.MediaType != "" {
			ref["media_type"] = item.MediaType
		}
		if item.URI != "" {
			ref["uri"] = item.URI
		}
		refs = append(refs, ref)
	}
	return SHA256Hex(refs)
}

// RootSigningPayload is the signing surface of a batch root.
func RootSigningPayload(batchID string, root []byte, leafCount int) ([]byte, error) {
	return Canonicalize(map[string]any{
		"batch_id":   batchID,
		"root":       root,
		"leaf_count": leafCount,
	})
}

// SignaturePayload is the exact byte sequence a trust-layer signature is
// produced over. The signing timestamp and key identity are bound in so
// neither can be swapped after the fact.
func SignaturePayload(digest []byte, entityID, kid string, signedAt time.Time) ([]byte, error) {
	return Canonicalize(map[string]any{
		"digest":    digest,
		"entity_id": entityID,
		"kid":       kid,
		"signed_at": canonicalTime(signedAt),
	})
}

func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// VerifyEd25519 checks a raw ed25519 signature.
func VerifyEd25519(pubKey, payload, sig []byte) error {
	if len(pubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ed25519 public key length: %d", len(pubKey))
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid ed25519 signature length: %d", len(sig))
	}
	if !ed25519.Verify(pubKey, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}
