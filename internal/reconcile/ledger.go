package reconcile

import (
	"context"

	"github.com/punchamoorthee/coinledger/internal/domain"
)

//go:generate mockgen -source=ledger.go -destination=mocks/mock_ledger.go -package=mocks

// Ledger is the engine's view of the authoritative transfer ledger.
// Rejections are domain sentinel errors; transport failures are
// *domain.TransportError.
type Ledger interface {
	CreateTransfer(ctx context.Context, e domain.SenderEntry) (domain.TransferRecord, error)
	ClaimTransfer(ctx context.Context, transferID, claimantID string) (domain.TransferRecord, error)
	CancelTransfer(ctx context.Context, transferID, requesterID string) (domain.TransferRecord, error)
	ListTransfersForUser(ctx context.Context, userID string) ([]domain.TransferRecord, error)
}
