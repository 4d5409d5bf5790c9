package vfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyOnWriteFile(t *testing.T) {
	source := NewBufferFile([]byte("immutable"))
	cow := NewCopyOnWriteFile(source)

	buf := make([]byte, 2)
	n, err := cow.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "im", string(buf))

	// The first write copies the content at the current cursor.
	n, err = cow.Write([]byte("MU"))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = cow.Seek(0, io.SeekStart)
	require.NoError(t, err)
	data, err := io.ReadAll(cow)
	require.NoError(t, err)
	require.Equal(t, "imMUtable", string(data))

	// Writes past the end grow the copy.
	_, err = cow.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	_, err = cow.Write([]byte("!"))
	require.NoError(t, err)
	require.Equal(t, uint64(10), cow.Size())

	require.NoError(t, cow.SetLen(4))
	require.Equal(t, uint64(4), cow.Size())

	// The source never observes any of it.
	_, err = source.Seek(0, io.SeekStart)
	require.NoError(t, err)
	data, err = io.ReadAll(source)
	require.NoError(t, err)
	require.Equal(t, "immutable", string(data))
}
