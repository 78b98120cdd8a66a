package keys

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyEqualityIsStructural(t *testing.T) {
	a := New("ca", "p", "g")
	b := New(" CA ", "P", "G")
	require.Equal(t, a, b)

	m := map[Key]int{a: 1}
	require.Equal(t, 1, m[b])
}

func TestParseRoundTripsCanonicalForm(t *testing.T) {
	k := New("mi", "s", "g")
	require.Equal(t, "MI:S:G", k.String())

	parsed, err := Parse(k.String())
	require.NoError(t, err)
	require.Equal(t, k, parsed)

	_, err = Parse("MI:S")
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = Parse("MI::G")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyAsJSONMapKey(t *testing.T) {
	in := map[Key]int{New("AZ", "P", "G"): 3}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	require.JSONEq(t, `{"AZ:P:G":3}`, string(raw))

	var out map[Key]int
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Equal(t, in, out)
}

func TestSpaceKeysDropsBlanksAndDuplicates(t *testing.T) {
	s := Space{Regions: []string{"ca", "NV", "ca", " "}, Categories: []string{"P", "S"}, SubTypes: []string{"G"}}
	got := s.Keys()
	require.Equal(t, []Key{
		{Region: "CA", Category: "P", SubType: "G"},
		{Region: "CA", Category: "S", SubType: "G"},
		{Region: "NV", Category: "P", SubType: "G"},
		{Region: "NV", Category: "S", SubType: "G"},
	}, got)
	require.True(t, s.Contains(New("nv", "s", "g")))
	require.False(t, s.Contains(New("TX", "P", "G")))
}

func TestIteratorCyclesRoundRobin(t *testing.T) {
	ks := Space{Regions: []string{"A", "B", "C"}, Categories: []string{"P"}, SubTypes: []string{"G"}}.Keys()
	it := NewIterator(ks)

	require.Equal(t, ks[:2], it.Next(2))
	require.Equal(t, []Key{ks[2], ks[0]}, it.Next(2))
	// Never more than the key space per call.
	require.Len(t, it.Next(10), 3)

	it.Reset(ks[:1])
	require.Equal(t, []Key{ks[0]}, it.Next(1))
	it.Reset(nil)
	require.Nil(t, it.Next(1))
}
