package vec32

import (
	"math"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, float32(math.Pi)}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d values, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("value %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestDecodeRejectsTruncatedBlob(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
	if _, err := DecodeInto(nil, []byte{1, 2, 3, 4, 5}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestDecodeIntoReusesBuffer(t *testing.T) {
	blob := Encode([]float32{1, 2})
	buf := make([]float32, 0, 8)

	out, err := DecodeInto(buf, blob)
	if err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if &out[0] != &buf[:1][0] {
		t.Error("buffer with sufficient capacity not reused")
	}
	if out[0] != 1 || out[1] != 2 {
		t.Errorf("decoded = %v, want [1 2]", out)
	}
}

func TestCosineDistance(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	if d := CosineDistance(a, a, Norm(a), Norm(a)); math.Abs(float64(d)) > 1e-6 {
		t.Errorf("self distance = %v, want 0", d)
	}
	if d := CosineDistance(a, b, Norm(a), Norm(b)); math.Abs(float64(d)-1) > 1e-6 {
		t.Errorf("orthogonal distance = %v, want 1", d)
	}
	if d := CosineDistance(a, []float32{0, 0}, Norm(a), 0); d != 1 {
		t.Errorf("zero-norm distance = %v, want 1", d)
	}
}

func TestL2Distance(t *testing.T) {
	if d := L2Distance([]float32{0, 0}, []float32{3, 4}); d != 5 {
		t.Errorf("distance = %v, want 5", d)
	}
}
