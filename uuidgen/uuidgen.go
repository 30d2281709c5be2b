// Package uuidgen provides the UUID v7 and UUID v4 algorithm.Handle
// implementations. Both are thin wrappers over github.com/google/uuid;
// neither carries health state of its own since neither can fail short of
// the process being out of entropy, so Healthy() is always true.
package uuidgen

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/nebulaid/idengine/algorithm"
	"github.com/nebulaid/idengine/errs"
)

// idFromUUID splits a UUID's 16 bytes into the two 64-bit words of
// algorithm.Id, high byte first.
func idFromUUID(u uuid.UUID) algorithm.Id {
	var high, low uint64
	for i := 0; i < 8; i++ {
		high = high<<8 | uint64(u[i])
	}
	for i := 8; i < 16; i++ {
		low = low<<8 | uint64(u[i])
	}
	return algorithm.Id{High: high, Low: low}
}

// V7 generates UUID version 7 identifiers: a 48-bit Unix millisecond
// prefix followed by random bits, so values sort lexicographically by
// generation time within a millisecond's precision.
type V7 struct{}

func NewV7() *V7 { return &V7{} }

func (*V7) Kind() algorithm.Kind { return algorithm.UuidV7 }

func (*V7) Generate(_ context.Context, _ algorithm.Context) (algorithm.Id, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return algorithm.Id{}, errs.NewStoreUnavailableError("uuid_v7_entropy", err)
	}
	return idFromUUID(u), nil
}

func (g *V7) BatchGenerate(ctx context.Context, gctx algorithm.Context, n int) (algorithm.IdBatch, error) {
	if n <= 0 || n > algorithm.MaxBatchSize {
		return algorithm.IdBatch{}, errs.NewInvalidInputError("n", strconv.Itoa(n), "must be in [1, 1000]")
	}
	ids := make([]algorithm.Id, 0, n)
	for i := 0; i < n; i++ {
		id, err := g.Generate(ctx, gctx)
		if err != nil {
			if len(ids) > 0 {
				return algorithm.IdBatch{Ids: ids, Kind: algorithm.UuidV7}, nil
			}
			return algorithm.IdBatch{}, err
		}
		ids = append(ids, id)
	}
	return algorithm.IdBatch{Ids: ids, Kind: algorithm.UuidV7}, nil
}

func (*V7) Healthy() bool { return true }

func (*V7) Shutdown(context.Context) error { return nil }

// V4 generates cryptographically random UUID version 4 identifiers.
type V4 struct{}

func NewV4() *V4 { return &V4{} }

func (*V4) Kind() algorithm.Kind { return algorithm.UuidV4 }

func (*V4) Generate(_ context.Context, _ algorithm.Context) (algorithm.Id, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return algorithm.Id{}, errs.NewStoreUnavailableError("uuid_v4_entropy", err)
	}
	return idFromUUID(u), nil
}

func (g *V4) BatchGenerate(ctx context.Context, gctx algorithm.Context, n int) (algorithm.IdBatch, error) {
	if n <= 0 || n > algorithm.MaxBatchSize {
		return algorithm.IdBatch{}, errs.NewInvalidInputError("n", strconv.Itoa(n), "must be in [1, 1000]")
	}
	ids := make([]algorithm.Id, 0, n)
	for i := 0; i < n; i++ {
		id, err := g.Generate(ctx, gctx)
		if err != nil {
			if len(ids) > 0 {
				return algorithm.IdBatch{Ids: ids, Kind: algorithm.UuidV4}, nil
			}
			return algorithm.IdBatch{}, err
		}
		ids = append(ids, id)
	}
	return algorithm.IdBatch{Ids: ids, Kind: algorithm.UuidV4}, nil
}

func (*V4) Healthy() bool { return true }

func (*V4) Shutdown(context.Context) error { return nil }
