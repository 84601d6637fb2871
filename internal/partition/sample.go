package partition

import "math/rand/v2"

// Reservoir keeps a uniform random sample of at most size keys.
type Reservoir struct {
	size int
	seen int64
	keys []int64
	rng  *rand.Rand
}

// NewReservoir creates a reservoir seeded with seed.
func NewReservoir(size int, seed uint64) *Reservoir {
	return &Reservoir{
		size: size,
		keys: make([]int64, 0, size),
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Add offers one key to the sample.
func (r *Reservoir) Add(key int64) {
	r.seen++
	if len(r.keys) < r.size {
		r.keys = append(r.keys, key)
		return
	}
	if j := r.rng.Int64N(r.seen); j < int64(r.size) {
		r.keys[j] = key
	}
}

// Seen is the number of keys offered so far.
func (r *Reservoir) Seen() int64 {
	return r.seen
}

// Keys returns the current sample.
func (r *Reservoir) Keys() []int64 {
	return r.keys
}
