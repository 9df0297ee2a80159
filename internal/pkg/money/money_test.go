package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMean(t *testing.T) {
	assert.Equal(t, 10.24, Mean([]float64{9.99, 10.49}))
	assert.Equal(t, 0.0, Mean(nil))
}

func TestSum_OrderIndependent(t *testing.T) {
	a := Sum(0.1, 0.2, 0.3, 19.99)
	b := Sum(19.99, 0.3, 0.2, 0.1)
	assert.Equal(t, a, b)
	assert.Equal(t, 20.59, a)
}

func TestMul(t *testing.T) {
	// 10 * 0.5 * (1 - 0.2)
	assert.Equal(t, 4.0, Mul(10, 0.5, 0.8))
	assert.Equal(t, 0.0, Mul())
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 0.0, Ratio(5, 0))
	assert.Equal(t, 0.333333, Ratio(1, 3))
}
