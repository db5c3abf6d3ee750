package saliency

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want []float64
	}{
		{"empty", nil, []float64{}},
		{"single", []float64{0.3}, []float64{0.5}},
		{"all equal", []float64{0.2, 0.2, 0.2}, []float64{0.5, 0.5, 0.5}},
		{"all zero", []float64{0, 0}, []float64{0.5, 0.5}},
		{"spread", []float64{0.1, 0.5, 0.3}, []float64{0, 1, 0.5}},
		{"already unit", []float64{0, 1}, []float64{0, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(got[i]-tt.want[i]) > 1e-12 {
					t.Errorf("[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNormalize_EndpointsExact(t *testing.T) {
	got := Normalize([]float64{0.137, 0.912, 0.4, 0.0031})
	if got[1] != 1 {
		t.Errorf("max should map to exactly 1, got %v", got[1])
	}
	if got[3] != 0 {
		t.Errorf("min should map to exactly 0, got %v", got[3])
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	once := Normalize([]float64{0.25, 0.75, 0.5, 0.1})
	twice := Normalize(once)
	for i := range once {
		if math.Abs(once[i]-twice[i]) > 1e-12 {
			t.Errorf("[%d]: %v != %v", i, once[i], twice[i])
		}
	}
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	in := []float64{3, 1, 2}
	Normalize(in)
	if in[0] != 3 || in[1] != 1 || in[2] != 2 {
		t.Errorf("input mutated: %v", in)
	}
}
