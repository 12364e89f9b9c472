package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_AppendAndEvict(t *testing.T) {
	w := NewWindow(3)
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, 3, w.Cap())

	bars := testBars("BTCUSDT", []float64{1, 2, 3, 4, 5})
	for _, bar := range bars {
		w.Append(bar)
	}

	assert.Equal(t, 3, w.Len())
	assert.Equal(t, []float64{3, 4, 5}, w.Closes())

	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, 5.0, last.Close)
}

func TestWindow_BarsReturnsCopy(t *testing.T) {
	w := NewWindow(2)
	for _, bar := range testBars("BTCUSDT", []float64{1, 2}) {
		w.Append(bar)
	}

	out := w.Bars()
	out[0].Close = 99

	assert.Equal(t, []float64{1, 2}, w.Closes())
}

func TestWindow_Empty(t *testing.T) {
	w := NewWindow(4)
	_, ok := w.Last()
	assert.False(t, ok)
	assert.Empty(t, w.Bars())
	assert.Empty(t, w.Closes())
}
