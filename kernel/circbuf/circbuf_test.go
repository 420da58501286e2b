package circbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	var cb Circbuf_t
	cb.Set(make([]uint8, 4))
	require.True(t, cb.Empty())

	require.True(t, cb.Putc('a'))
	require.True(t, cb.Putc('b'))
	require.Equal(t, 2, cb.Used())

	c, ok := cb.Getc()
	require.True(t, ok)
	require.Equal(t, uint8('a'), c)
	c, ok = cb.Getc()
	require.True(t, ok)
	require.Equal(t, uint8('b'), c)
	_, ok = cb.Getc()
	require.False(t, ok)
}

func TestFullDrops(t *testing.T) {
	var cb Circbuf_t
	cb.Set(make([]uint8, 2))
	require.True(t, cb.Putc('x'))
	require.True(t, cb.Putc('y'))
	require.True(t, cb.Full())
	require.False(t, cb.Putc('z'))
	c, _ := cb.Getc()
	require.Equal(t, uint8('x'), c)
}

func TestWrapAround(t *testing.T) {
	var cb Circbuf_t
	cb.Set(make([]uint8, 3))
	for i := 0; i < 10; i++ {
		require.True(t, cb.Putc(uint8('0'+i)))
		c, ok := cb.Getc()
		require.True(t, ok)
		require.Equal(t, uint8('0'+i), c)
	}
	require.True(t, cb.Empty())
	require.Equal(t, 3, cb.Left())
}
