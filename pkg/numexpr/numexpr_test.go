package numexpr

import (
	"math"
	"testing"
)

func TestEval(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"4", 4},
		{"0.5", 0.5},
		{"1/24", 1.0 / 24},
		{"0.5/24", 0.5 / 24},
		{"7*24", 168},
		{"1/24/2", 1.0 / 48},
		{"2*3*4", 24},
		{"1/2*4", 2},   // left to right: (1/2)*4
		{"24/2*3", 36}, // (24/2)*3
		{" 1 / 24 ", 1.0 / 24},
		{"365*2", 730},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := Eval(tc.expr)
			if err != nil {
				t.Fatalf("Eval(%q) failed: %v", tc.expr, err)
			}
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("Eval(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestEvalErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"abc",
		"1/",
		"/2",
		"1//2",
		"1/0",
		"1+2",
		"2**3",
	} {
		t.Run(expr, func(t *testing.T) {
			if _, err := Eval(expr); err == nil {
				t.Errorf("Eval(%q) succeeded, want error", expr)
			}
		})
	}
}
