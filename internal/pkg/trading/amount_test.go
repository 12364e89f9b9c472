package trading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQuantity(t *testing.T) {
	assert.Equal(t, 0.3, NormalizeQuantity(0.35, 0.1))
	assert.Equal(t, 0.35, NormalizeQuantity(0.35, 0))
	assert.Equal(t, 0.0, NormalizeQuantity(0.05, 0.1))
	assert.Equal(t, 2.0, NormalizeQuantity(2, 0.5))
	assert.Equal(t, 0.0, NormalizeQuantity(-1, 0.1))
}

func TestNotional(t *testing.T) {
	assert.Equal(t, 110.0, Notional(1.1, 100))
	assert.Equal(t, 0.0, Notional(0, 100))
}
