package ports

import (
	"context"

	"voicelink/internal/core/domain"
)

// CallRepository stores gateway-side call records. Implementations exist for
// in-memory use and for redis-backed multi-node gateways.
type CallRepository interface {
	Create(ctx context.Context, record *domain.CallRecord) error
	GetBySid(ctx context.Context, sid domain.CallID) (*domain.CallRecord, error)
	Update(ctx context.Context, record *domain.CallRecord) error
	// Mutate applies fn to the stored record under the repository's own
	// concurrency control and persists the result.
	Mutate(ctx context.Context, sid domain.CallID, fn func(*domain.CallRecord)) error
	Delete(ctx context.Context, sid domain.CallID) error
	ListActive(ctx context.Context) ([]*domain.CallRecord, error)
}
