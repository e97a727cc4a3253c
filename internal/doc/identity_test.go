package doc

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIdentityIsDeterministic(t *testing.T) {
	c1, a1, n1 := DeriveIdentity("conn-abc")
	c2, a2, n2 := DeriveIdentity("conn-abc")
	assert.Equal(t, c1, c2)
	assert.Equal(t, a1, a2)
	assert.Equal(t, n1, n2)
}

func TestDeriveIdentityShape(t *testing.T) {
	color, animal, name := DeriveIdentity("conn-abc")
	assert.True(t, strings.HasPrefix(color, "#"), "color %q is a hex value", color)
	assert.NotEmpty(t, animal)
	require.True(t, strings.HasSuffix(name, " "+animal), "name %q ends with the animal", name)
}

func TestDeriveIdentityVaries(t *testing.T) {
	seen := make(map[string]struct{})
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		_, _, name := DeriveIdentity(id)
		seen[name] = struct{}{}
	}
	// FNV over distinct inputs should hit more than one palette slot.
	assert.Greater(t, len(seen), 1)
}

func TestNewPlayerInfo(t *testing.T) {
	now := time.Now()
	p := NewPlayerInfo("conn-1", now)
	assert.Equal(t, "conn-1", p.ID)
	assert.Equal(t, now, p.ConnectedAt)
	assert.Equal(t, now, p.LastMessageAt)
	assert.NotEmpty(t, p.Color)
	assert.NotEmpty(t, p.Animal)
	assert.Contains(t, p.Name, p.Animal)
}
