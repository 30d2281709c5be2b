// Package algorithm defines the shared contract every ID-generation
// algorithm (Segment, Snowflake, UUID v7, UUID v4) implements, and the
// request/response types the router passes across that contract.
package algorithm

import (
	"context"
	"fmt"
	"math/big"
)

// Kind tags which algorithm produced or should produce an Id. The order
// below is the default fallback order used when no explicit chain is
// configured: Segment, then Snowflake, then UuidV7, then UuidV4.
type Kind int

const (
	Segment Kind = iota
	Snowflake
	UuidV7
	UuidV4
)

// String renders the kind the way it appears in configuration and logs.
func (k Kind) String() string {
	switch k {
	case Segment:
		return "segment"
	case Snowflake:
		return "snowflake"
	case UuidV7:
		return "uuid_v7"
	case UuidV4:
		return "uuid_v4"
	default:
		return "unknown"
	}
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "segment":
		return Segment, true
	case "snowflake":
		return Snowflake, true
	case "uuid_v7":
		return UuidV7, true
	case "uuid_v4":
		return UuidV4, true
	default:
		return 0, false
	}
}

// DefaultFallbackChain returns the chain of every kind other than primary,
// in the canonical Segment → Snowflake → UuidV7 → UuidV4 order.
func DefaultFallbackChain(primary Kind) []Kind {
	all := []Kind{Segment, Snowflake, UuidV7, UuidV4}
	chain := make([]Kind, 0, len(all)-1)
	for _, k := range all {
		if k != primary {
			chain = append(chain, k)
		}
	}
	return chain
}

// Id is a 128-bit identifier. Segment and Snowflake values only ever
// populate Low (High is always zero); UUID v4/v7 values populate both
// words from the 16 big-endian UUID bytes, High holding the first 8 and
// Low the last 8 — this matches how a UUID's bytes are conventionally
// split into two uint64s for 128-bit arithmetic.
type Id struct {
	High uint64
	Low  uint64
}

// FromInt64 wraps a Segment or Snowflake numeric value as an Id.
func FromInt64(v int64) Id {
	return Id{High: 0, Low: uint64(v)}
}

// Int64 returns the low word as an int64. Only meaningful for Segment and
// Snowflake-origin values, where High is always zero.
func (i Id) Int64() int64 {
	return int64(i.Low)
}

// IsZero reports whether the Id is the zero value.
func (i Id) IsZero() bool {
	return i.High == 0 && i.Low == 0
}

// bigInt reassembles the 128-bit value from High/Low for formats that
// need more than 64 bits of precision (decimal/hex/base-36 of a
// UUID-origin Id).
func (i Id) bigInt() *big.Int {
	v := new(big.Int).SetUint64(i.High)
	v.Lsh(v, 64)
	v.Or(v, new(big.Int).SetUint64(i.Low))
	return v
}

// Format renders id per GenerateContext.Format: "hex", "base36", "uuid",
// or the default decimal. An unrecognized format falls back to decimal
// rather than erroring, since formatting is a display concern only.
func (i Id) Format(format string) string {
	switch format {
	case "hex":
		return i.bigInt().Text(16)
	case "base36":
		return i.bigInt().Text(36)
	case "uuid":
		return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
			uint32(i.High>>32), uint16(i.High>>16), uint16(i.High),
			uint16(i.Low>>48), i.Low&0xFFFFFFFFFFFF)
	default:
		return i.bigInt().Text(10)
	}
}

// IdBatch is a contiguous or non-contiguous set of Ids returned by a batch
// request; Segment returns a contiguous range, Snowflake/UUID algorithms
// return one Id per slot.
type IdBatch struct {
	Ids  []Id
	Kind Kind
}

// Context is the per-request stream descriptor, GenerateContext in the
// design: everything the router and algorithms need to locate and tag a
// stream of IDs.
type Context struct {
	WorkspaceID string
	GroupID     string
	BizTag      string
	Format      string
	Prefix      string
}

// StreamKey is the partition key used throughout the engine (segment
// buffers, cache tiers, per-tag overrides): workspace and biz tag joined
// with a colon.
func (c Context) StreamKey() string {
	return c.WorkspaceID + ":" + c.BizTag
}

// Handle is the contract the router holds for each registered algorithm.
// Implementations must be safe for concurrent use: Generate/BatchGenerate
// may be called from many goroutines at once for the same or different
// streams.
type Handle interface {
	Kind() Kind
	Generate(ctx context.Context, gctx Context) (Id, error)
	BatchGenerate(ctx context.Context, gctx Context, n int) (IdBatch, error)
	Healthy() bool
	Shutdown(ctx context.Context) error
}

// MaxBatchSize is the upper bound BatchGenerate accepts, per the external
// interface contract.
const MaxBatchSize = 1000
