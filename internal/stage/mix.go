package stage

import "hash/fnv"

// splitmix64 finalizer; turns structured keys into well spread bits.
func mix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// unit maps a key to a float in [-1, 1).
func unit(key uint64) float32 {
	return float32(mix64(key)>>40)/float32(1<<24)*2 - 1
}

func hashString(seed uint64, s string) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for i := range b {
		b[i] = byte(seed >> (8 * i))
	}
	h.Write(b[:])
	h.Write([]byte(s))
	return h.Sum64()
}
