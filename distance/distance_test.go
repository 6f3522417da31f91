package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Mixed", []float32{1, -1, 2}, []float32{1, 1, -2}, -4},
		{"Empty", []float32{}, []float32{}, 0},
		{"Unrolled", []float32{1, 1, 1, 1, 1}, []float32{1, 2, 3, 4, 5}, 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Dot(tt.a, tt.b), 1e-5)
		})
	}
}

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
		{"Unrolled", []float32{0, 0, 0, 0, 0}, []float32{1, 1, 1, 1, 2}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, SquaredL2(tt.a, tt.b), 1e-5)
		})
	}
}

func TestProvider(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	l2, err := Provider(MetricL2)
	require.NoError(t, err)
	assert.InDelta(t, 2, l2(a, b), 1e-6)

	cos, err := Provider(MetricCosine)
	require.NoError(t, err)
	assert.InDelta(t, 1, cos(a, b), 1e-6)
	assert.InDelta(t, 0, cos(a, a), 1e-6)

	dot, err := Provider(MetricDot)
	require.NoError(t, err)
	assert.Less(t, dot(a, a), dot(a, b))

	_, err = Provider(Metric(42))
	assert.Error(t, err)
}

func TestParseMetric(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		got, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMetric("manhattan")
	assert.Error(t, err)
	assert.Equal(t, "Unknown(9)", Metric(9).String())
}

func TestNormalize(t *testing.T) {
	v, ok := NormalizeL2Copy([]float32{3, 4})
	require.True(t, ok)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.InDelta(t, 1, math.Sqrt(float64(Dot(v, v))), 1e-6)

	_, ok = NormalizeL2Copy([]float32{0, 0})
	assert.False(t, ok)
	assert.True(t, MetricCosine.Normalized())
	assert.False(t, MetricL2.Normalized())
}
