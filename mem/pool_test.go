package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestPool(t *testing.T) {
	n := neko.Modern(t)

	n.It("hands out zeroed frames", func(t *testing.T) {
		p := NewPool(4)

		f, err := p.Alloc()
		require.NoError(t, err)

		b := p.Data(f)
		b[0] = 0xff
		p.DecRef(f)

		g, err := p.Alloc()
		require.NoError(t, err)
		require.Equal(t, f, g)
		require.Equal(t, byte(0), p.Data(g)[0])
	})

	n.It("fails cleanly when frames run out", func(t *testing.T) {
		p := NewPool(2)

		_, err := p.Alloc()
		require.NoError(t, err)

		_, err = p.Alloc()
		require.NoError(t, err)

		_, err = p.Alloc()
		require.Equal(t, ErrNoFrames, err)
	})

	n.It("frees a frame only when the last reference drops", func(t *testing.T) {
		p := NewPool(1)

		f, err := p.Alloc()
		require.NoError(t, err)

		p.IncRef(f)
		require.Equal(t, 2, p.Refs(f))

		p.DecRef(f)
		require.Equal(t, 0, p.FreeCount())

		p.DecRef(f)
		require.Equal(t, 1, p.FreeCount())
	})

	n.It("panics on a double free", func(t *testing.T) {
		p := NewPool(1)

		f, err := p.Alloc()
		require.NoError(t, err)

		p.DecRef(f)

		require.Panics(t, func() {
			p.DecRef(f)
		})
	})

	n.Meow()
}
