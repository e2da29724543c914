package orderedmap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder(t *testing.T) {
	m := New[string, int]()
	m.Set("b", 1)
	m.Set("a", 2)
	m.Set("b", 3)

	assert.Equal(t, []string{"b", "a"}, m.Keys())
	v, ok := m.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	c := m.Clone()
	c.Set("c", 4)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []string{"b", "a", "c"}, c.Keys())

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":3,"a":2}`, string(data))
	assert.Equal(t, `{"b":3,"a":2}`, string(data))
}

func TestNil(t *testing.T) {
	var m *Map[string, int]
	assert.Zero(t, m.Len())
	assert.Empty(t, m.Keys())
	_, ok := m.Get("x")
	assert.False(t, ok)
	for range m.All() {
		t.Fatal("nil map yielded an entry")
	}
	assert.Zero(t, m.Clone().Len())

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
