package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type blob struct {
	data []byte
	kids []HashKey
}

func (b blob) Tag() string         { return "test.blob[v1]" }
func (b blob) Children() []HashKey { return b.kids }
func (b blob) Binary() []byte      { return b.data }

func TestAllocContentAddressing(t *testing.T) {
	a, err := New(Config{})
	require.NoError(t, err)

	big := make([]byte, 256)
	for i := range big {
		big[i] = byte(i)
	}

	k1, err := a.Alloc(blob{data: big})
	require.NoError(t, err)
	k2, err := a.Alloc(blob{data: append([]byte(nil), big...)})
	require.NoError(t, err)

	require.False(t, k1.Direct)
	require.Equal(t, k1.Hash, k2.Hash, "equal binary representations must hash to equal keys")
}

func TestSmallObjectInlining(t *testing.T) {
	a, err := New(Config{})
	require.NoError(t, err)

	k, err := a.Alloc(blob{data: []byte("tiny")})
	require.NoError(t, err)
	require.True(t, k.Direct, "values under the small-object limit must be stored Direct")
}

func TestGetMissingChild(t *testing.T) {
	a, err := New(Config{})
	require.NoError(t, err)

	_, err = a.Get(HashKey{1, 2, 3})
	require.ErrorIs(t, err, ErrMissingChild)
}

func TestLRUCacheHitAfterAlloc(t *testing.T) {
	a, err := New(Config{CacheEntries: 4})
	require.NoError(t, err)

	big := make([]byte, 200)
	k, err := a.Alloc(blob{data: big})
	require.NoError(t, err)

	_, err = a.Get(k.Hash)
	require.NoError(t, err)

	stats := a.Stats()
	require.GreaterOrEqual(t, stats.Hits, uint64(1))
}

func TestChildRefPreservesReferentShape(t *testing.T) {
	ref := ChildRef{Referent: HashKey{9, 9, 9}}
	require.Equal(t, []HashKey{ref.Referent}, ref.Children())
	require.Equal(t, ref.Referent[:], ref.Binary())
	require.NotEqual(t, ref.Referent, ref.Key(), "ChildRef identity must differ from its referent")
}

func TestPreFetchPopulatesCache(t *testing.T) {
	a, err := New(Config{})
	require.NoError(t, err)

	leaf := make([]byte, 200)
	leafKey, err := a.Alloc(blob{data: leaf})
	require.NoError(t, err)

	parentData := make([]byte, 200)
	parent, err := a.Alloc(blob{data: parentData, kids: []HashKey{leafKey.Hash}})
	require.NoError(t, err)

	require.NoError(t, a.PreFetch(parent.Hash, 2, true))
	stats := a.Stats()
	require.Equal(t, 2, stats.Entries)
}
