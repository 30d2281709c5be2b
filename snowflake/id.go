// id.go defines the packed value Generator hands back; Engine.Generate
// (engine.go) unwraps it into an algorithm.Id with algorithm.FromInt64
// immediately, and string/decimal/hex/base-36/UUID rendering for the
// external interface lives on algorithm.Id (algorithm/algorithm.go), not
// here — a packed Snowflake value has no encoding concerns of its own.
package snowflake

// ID is the 63-bit value Generator packs from timestamp, worker, and
// sequence.
type ID int64

// Int64 returns the packed value.
func (id ID) Int64() int64 {
	return int64(id)
}
