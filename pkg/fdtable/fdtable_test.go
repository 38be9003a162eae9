package fdtable

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingOps struct {
	closed int
}

func (o *countingOps) Open(*File) error { return nil }
func (o *countingOps) Read(*File, []byte) (int, error) { return 0, nil }
func (o *countingOps) Close(*File) error {
	o.closed++
	return nil
}

func TestAllocIsSequential(t *testing.T) {
	tbl := New(8)
	for want := 0; want < 4; want++ {
		fd, err := tbl.Alloc("/dev/null")
		require.NoError(t, err)
		assert.Equal(t, want, fd)
	}

	tbl.Free(1)
	fd, err := tbl.Alloc("/tmp/reuse")
	require.NoError(t, err)
	assert.Equal(t, 1, fd, "lowest free descriptor is reused first")

	f, err := tbl.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/reuse", f.Name)
}

func TestAllocFull(t *testing.T) {
	tbl := New(2)
	_, err := tbl.Alloc("a")
	require.NoError(t, err)
	_, err = tbl.Alloc("b")
	require.NoError(t, err)

	_, err = tbl.Alloc("c")
	assert.True(t, errors.Is(err, ErrTableFull))
}

func TestCloseRunsHook(t *testing.T) {
	tbl := New(0)
	ops := &countingOps{}
	fd, err := tbl.Alloc("/etc/hosts")
	require.NoError(t, err)
	f, err := tbl.Get(fd)
	require.NoError(t, err)
	f.Ops = ops

	require.NoError(t, tbl.Close(fd))
	assert.Equal(t, 1, ops.closed)
	assert.False(t, tbl.IsOpen(fd))

	err = tbl.Close(fd)
	assert.True(t, errors.Is(err, ErrBadFD))

	_, err = tbl.Get(DefaultMaxFiles + 1)
	assert.True(t, errors.Is(err, ErrBadFD))
}

func TestNamesAndCloseAll(t *testing.T) {
	tbl := New(8)
	for _, name := range []string{"/dev/tty", "/dev/tty", "/var/log/app.log"} {
		_, err := tbl.Alloc(name)
		require.NoError(t, err)
	}

	assert.Equal(t, map[int]string{0: "/dev/tty", 1: "/dev/tty", 2: "/var/log/app.log"}, tbl.Names())
	assert.Equal(t, []int{0, 1, 2}, tbl.FDs())

	require.NoError(t, tbl.CloseAll())
	assert.Equal(t, 0, tbl.Len())
}
