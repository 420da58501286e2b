package ustr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegment(t *testing.T) {
	p := Ustr("/boot/kernel.bin")
	seg, rest := p.Segment()
	require.Equal(t, "boot", seg.String())
	seg, rest = rest.Segment()
	require.Equal(t, "kernel.bin", seg.String())
	seg, _ = rest.Segment()
	require.True(t, seg.Empty())
}

func TestSegmentCollapsesSlashes(t *testing.T) {
	seg, rest := Ustr("//a///b/").Segment()
	require.Equal(t, "a", seg.String())
	seg, rest = rest.Segment()
	require.Equal(t, "b", seg.String())
	seg, _ = rest.Segment()
	require.True(t, seg.Empty())
}

func TestAbsolute(t *testing.T) {
	require.True(t, Ustr("/x").IsAbsolute())
	require.False(t, Ustr("x").IsAbsolute())
	require.False(t, MkUstr().IsAbsolute())
}

func TestEqAndExtend(t *testing.T) {
	a := MkUstrRoot().ExtendStr("mnt")
	require.Equal(t, "//mnt", a.String())
	require.True(t, a.Eq(Ustr("//mnt")))
	require.False(t, a.Eq(Ustr("/mnt/")))
	require.True(t, Ustr(".").Isdot())
	require.True(t, Ustr("..").Isdotdot())
}

func TestMkUstrSlice(t *testing.T) {
	buf := []uint8{'h', 'i', 0, 'x'}
	require.Equal(t, "hi", MkUstrSlice(buf).String())
}
