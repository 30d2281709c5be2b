package cache

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nebulaid/idengine/errs"
)

// L3 is the optional external KV tier: a byte-oriented adapter over Redis
// wrapping values as little-endian uint64 payloads followed by a CRC32
// checksum, guarded by a sliding-window circuit breaker (failure_threshold
// expressed as a ratio over a trailing window, timeout=30s per the design
// notes) distinct from the consecutive-counter gate the router's
// degradation manager uses for algorithm selection.
type L3 struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	breaker   *slidingWindowBreaker

	corruptionCount uint64
}

// NewL3 builds an L3 adapter sharing client with the coordination store
// but namespaced under keyPrefix (default "idengine:id:").
func NewL3(client *redis.Client, keyPrefix string, ttl time.Duration) *L3 {
	if keyPrefix == "" {
		keyPrefix = "idengine:id:"
	}
	return &L3{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		breaker:   newSlidingWindowBreaker(10*time.Second, 5, 0.5, 30*time.Second),
	}
}

func encodeIds(ids []uint64) []byte {
	payload := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(payload[i*8:], id)
	}
	sum := crc32.ChecksumIEEE(payload)
	record := make([]byte, len(payload)+4)
	copy(record, payload)
	binary.LittleEndian.PutUint32(record[len(payload):], sum)
	return record
}

// decodeIds validates the trailing CRC32 and splits the payload back into
// uint64s; a checksum mismatch is treated as a cache miss, not an error.
func decodeIds(record []byte) ([]uint64, bool) {
	if len(record) < 4 || (len(record)-4)%8 != 0 {
		return nil, false
	}
	payload := record[:len(record)-4]
	want := binary.LittleEndian.Uint32(record[len(payload):])
	if crc32.ChecksumIEEE(payload) != want {
		return nil, false
	}
	ids := make([]uint64, len(payload)/8)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint64(payload[i*8:])
	}
	return ids, true
}

// Get fetches the cached batch for stream; a corrupt or absent record is
// reported as a miss (ok=false), never an error, except when the circuit
// is open or Redis itself fails.
func (l *L3) Get(ctx context.Context, stream string) ([]uint64, bool, error) {
	if !l.breaker.Allow() {
		return nil, false, errs.NewCircuitOpenError("l3_cache")
	}
	raw, err := l.client.Get(ctx, l.keyPrefix+stream).Bytes()
	if err == redis.Nil {
		l.breaker.Record(true)
		return nil, false, nil
	}
	if err != nil {
		l.breaker.Record(false)
		return nil, false, errs.NewStoreUnavailableError("l3_cache", err)
	}
	l.breaker.Record(true)
	ids, ok := decodeIds(raw)
	if !ok {
		l.corruptionCount++
		return nil, false, nil
	}
	return ids, true, nil
}

// Set writes a batch for stream with the configured TTL.
func (l *L3) Set(ctx context.Context, stream string, ids []uint64) error {
	if !l.breaker.Allow() {
		return errs.NewCircuitOpenError("l3_cache")
	}
	err := l.client.Set(ctx, l.keyPrefix+stream, encodeIds(ids), l.ttl).Err()
	l.breaker.Record(err == nil)
	if err != nil {
		return errs.NewStoreUnavailableError("l3_cache", err)
	}
	return nil
}

// Delete removes the cached batch for stream.
func (l *L3) Delete(ctx context.Context, stream string) error {
	if !l.breaker.Allow() {
		return errs.NewCircuitOpenError("l3_cache")
	}
	err := l.client.Del(ctx, l.keyPrefix+stream).Err()
	l.breaker.Record(err == nil)
	if err != nil {
		return errs.NewStoreUnavailableError("l3_cache", err)
	}
	return nil
}

// Exists reports whether stream has a cached batch.
func (l *L3) Exists(ctx context.Context, stream string) (bool, error) {
	if !l.breaker.Allow() {
		return false, errs.NewCircuitOpenError("l3_cache")
	}
	n, err := l.client.Exists(ctx, l.keyPrefix+stream).Result()
	l.breaker.Record(err == nil)
	if err != nil {
		return false, errs.NewStoreUnavailableError("l3_cache", err)
	}
	return n > 0, nil
}

// CorruptionCount reports how many CRC mismatches Get has observed.
func (l *L3) CorruptionCount() uint64 {
	return l.corruptionCount
}
