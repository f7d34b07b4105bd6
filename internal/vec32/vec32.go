// Package vec32 holds the float32 vector helpers shared by the storage
// backends: little-endian blob encoding and the distance kernels used by
// brute-force search.
package vec32

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode serializes a float32 slice to little-endian bytes.
func Encode(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4
// (indicates data corruption).
func Decode(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// DecodeInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func DecodeInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// Dot returns the dot product of a and b. Both slices must have the same
// length.
func Dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// CosineDistance returns 1 - cos(a, b), precomputed norms passed in so a
// scan can reuse the query norm. Zero-norm vectors are treated as
// maximally distant.
func CosineDistance(a, b []float32, aNorm, bNorm float32) float32 {
	if aNorm == 0 || bNorm == 0 {
		return 1
	}
	return 1 - Dot(a, b)/(aNorm*bNorm)
}

// L2Distance returns the Euclidean distance between a and b.
func L2Distance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}
