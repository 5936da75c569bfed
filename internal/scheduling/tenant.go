package scheduling

import (
	"context"

	"github.com/google/uuid"
)

type hospitalKey struct{}

// WithHospital scopes ctx to one hospital. The authorization collaborator
// resolves the acting user's hospital; the storage layer filters on it.
func WithHospital(ctx context.Context, hospitalID uuid.UUID) context.Context {
	return context.WithValue(ctx, hospitalKey{}, hospitalID)
}

func HospitalFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(hospitalKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func requireHospital(ctx context.Context) (uuid.UUID, error) {
	id, ok := HospitalFromContext(ctx)
	if !ok {
		return uuid.Nil, ErrMissingHospital
	}
	return id, nil
}
