package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ciaf/internal/domain"
	"ciaf/internal/infra/crypto"
)

type Clock func() time.Time

// ReceiptSealer turns an assembled receipt into a signed one. Signing
// unavailability is retried with bounded backoff; exhausting the budget
// is an error, never a silently unsealed receipt.
type ReceiptSealer struct {
	Signer  domain.Signer
	Clock   Clock
	Retries int
	Backoff time.Duration
}

func NewReceiptSealer(signer domain.Signer, clock Clock, retries int, backoff time.Duration) *ReceiptSealer {
	if clock == nil {
		clock = time.Now
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &ReceiptSealer{Signer: signer, Clock: clock, Retries: retries, Backoff: backoff}
}

// Seal assigns identity and wall time, computes the canonical digest over
// every field, and signs it with an entity holding the given role.
func (s *ReceiptSealer) Seal(ctx context.Context, receipt domain.Receipt, role domain.Role) (domain.Receipt, error) {
	if receipt.ID == "" {
		receipt.ID = uuid.NewString()
	}
	if receipt.WallTime.IsZero() {
		receipt.WallTime = s.Clock()
	}
	receipt.WallTime = receipt.WallTime.UTC()

	digest, err := crypto.ReceiptDigest(receipt)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("seal receipt: %w", err)
	}

	backoff := s.Backoff
	for attempt := 0; ; attempt++ {
		sig, err := s.Signer.Sign(ctx, digest, role)
		if err == nil {
			receipt.Signature = sig
			return receipt, nil
		}
		if errors.Is(err, domain.ErrRevokedEntity) {
			return domain.Receipt{}, err
		}
		if !errors.Is(err, domain.ErrSigningUnavailable) || attempt >= s.Retries {
			return domain.Receipt{}, fmt.Errorf("seal receipt after %d attempts: %w", attempt+1, err)
		}
		select {
		case <-ctx.Done():
			return domain.Receipt{}, fmt.Errorf("seal receipt: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// VerifyReceipt recomputes a receipt's canonical digest and checks its
// signature through the trust layer.
func VerifyReceipt(signer domain.Signer, receipt domain.Receipt) error {
	digest, err := crypto.ReceiptDigest(receipt)
	if err != nil {
		return err
	}
	if err := signer.Verify(digest, receipt.Signature); err != nil {
		return fmt.Errorf("%w: receipt %s: %v", domain.ErrProofInvalid, receipt.ID, err)
	}
	return nil
}
