package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapSetGetDelete(t *testing.T) {
	m := NewMap()
	m = m.Set([]byte("a"), []byte("1"))
	m = m.Set([]byte("b"), []byte("2"))
	require.Equal(t, 2, m.Len())

	v, err := m.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	m2 := m.Delete([]byte("a"))
	require.Equal(t, 1, m2.Len())
	_, err = m2.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	// original map is untouched (structural sharing / immutability)
	require.Equal(t, 2, m.Len())
}

func TestMapManyKeysSharePrefixes(t *testing.T) {
	m := NewMap()
	for i := 0; i < 500; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		m = m.Set(key, []byte{byte(i)})
	}
	require.Equal(t, 500, m.Len())
	v, err := m.Get([]byte{42, 0})
	require.NoError(t, err)
	require.Equal(t, []byte{42}, v)
}

func TestArrayBounds(t *testing.T) {
	a, err := NewArrayOfLen(16)
	require.NoError(t, err)
	require.Equal(t, 16, a.Len())

	_, err = NewArrayOfLen(17)
	require.ErrorIs(t, err, ErrArrayTooLarge)

	a2, err := a.Set(0, "x")
	require.NoError(t, err)
	v, err := a2.Get(0)
	require.NoError(t, err)
	require.Equal(t, "x", v)

	// original untouched
	v0, _ := a.Get(0)
	require.Nil(t, v0)
}

func TestBoundedMerkleTreeRehashAndHistory(t *testing.T) {
	tr, err := NewBoundedMerkleTree(4, 4)
	require.NoError(t, err)

	_, ok := tr.Root()
	require.False(t, ok, "root is None before the first rehash")

	require.NoError(t, tr.UpdateHash(0, []byte("coin1"), nil))
	root1 := tr.Rehash()

	require.NoError(t, tr.UpdateHash(1, []byte("coin2"), nil))
	root2 := tr.Rehash()
	require.NotEqual(t, root1, root2)

	require.True(t, tr.CheckRoot(root1), "previously observed roots remain valid until reset")
	require.True(t, tr.CheckRoot(root2))

	tr.ResetHistory()
	require.False(t, tr.CheckRoot(root1))
}

func TestBoundedMerkleTreeHeightBound(t *testing.T) {
	_, err := NewBoundedMerkleTree(33, 1)
	require.ErrorIs(t, err, ErrHeightExceeded)
}
