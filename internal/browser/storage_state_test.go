package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageState_CookieIgnoresEmptyValues(t *testing.T) {
	s := StorageState{Cookies: []Cookie{
		{Name: "c_user", Value: ""},
		{Name: "xs", Value: "token"},
	}}

	_, ok := s.Cookie("c_user")
	assert.False(t, ok)

	c, ok := s.Cookie("xs")
	require.True(t, ok)
	assert.Equal(t, "token", c.Value)
}

func TestParseStorageState_RejectsGarbage(t *testing.T) {
	_, err := ParseStorageState([]byte("{not json"))
	assert.Error(t, err)
}

func TestStorageState_LocalStorageByOrigin(t *testing.T) {
	s := StorageState{Origins: []OriginStorage{
		{Origin: "https://example.com", LocalStorage: []NameValue{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}},
		{Origin: "https://cdn.example.com"},
	}}

	got := s.localStorageByOrigin()
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got["https://example.com"])
	assert.Empty(t, got["https://cdn.example.com"])
}

func TestSeedLocalStorageJS_EmbedsSeed(t *testing.T) {
	js := seedLocalStorageJS(map[string]map[string]string{"https://example.com": {"k": "v"}})
	assert.Contains(t, js, `"https://example.com":{"k":"v"}`)
	assert.Contains(t, js, "localStorage.setItem")
}
