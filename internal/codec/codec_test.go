package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string            `cbor:"name"`
	Env  map[string]string `cbor:"env"`
	Args []string          `cbor:"args"`
}

func TestMarshal_MapOrderIndependent(t *testing.T) {
	a := sample{Name: "x", Env: map[string]string{"A": "1", "B": "2", "C": "3"}}
	b := sample{Name: "x", Env: map[string]string{"C": "3", "A": "1", "B": "2"}}

	ab, err := Marshal(a)
	require.NoError(t, err)
	bb, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, ab, bb)
}

func TestDigest_SensitiveToSliceOrder(t *testing.T) {
	d1, err := Digest(sample{Args: []string{"a", "b"}})
	require.NoError(t, err)
	d2, err := Digest(sample{Args: []string{"b", "a"}})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
	assert.Len(t, d1, 64)
}

func TestUnmarshal(t *testing.T) {
	in := sample{Name: "n", Env: map[string]string{"K": "V"}, Args: []string{"x"}}
	b, err := Marshal(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestDigest_NilEqualsEmpty(t *testing.T) {
	d1, err := Digest(sample{Name: "n"})
	require.NoError(t, err)
	d2, err := Digest(sample{Name: "n", Env: map[string]string{}, Args: []string{}})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}
