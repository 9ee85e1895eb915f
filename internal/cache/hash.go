package cache

import (
	"fmt"

	"github.com/creachadair/cityhash"
)

// HashFunc maps a path to a bucket hash.
type HashFunc func(path string) uint32

// SumHash is the additive byte checksum of path.
func SumHash(path string) uint32 {
	var sum uint32
	for i := 0; i < len(path); i++ {
		sum += uint32(path[i])
	}
	return sum
}

// CityHash is CityHash32 of path; it spreads paths sharing long prefixes better than SumHash.
func CityHash(path string) uint32 {
	return cityhash.Hash32([]byte(path))
}

// ParseHash resolves a configured hash name.
func ParseHash(name string) (HashFunc, error) {
	switch name {
	case "", "sum":
		return SumHash, nil
	case "cityhash":
		return CityHash, nil
	default:
		return nil, fmt.Errorf("unknown path hash %q", name)
	}
}
