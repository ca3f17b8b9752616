package browser

import (
	"encoding/json"
	"fmt"
)

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type OriginStorage struct {
	Origin       string      `json:"origin"`
	LocalStorage []NameValue `json:"localStorage"`
}

// StorageState is the serialized session blob: cookies plus local storage
// per origin.
type StorageState struct {
	Cookies []Cookie        `json:"cookies"`
	Origins []OriginStorage `json:"origins"`
}

func (s StorageState) Cookie(name string) (Cookie, bool) {
	for _, c := range s.Cookies {
		if c.Name == name && c.Value != "" {
			return c, true
		}
	}
	return Cookie{}, false
}

func (s StorageState) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

func ParseStorageState(data []byte) (StorageState, error) {
	var s StorageState
	if err := json.Unmarshal(data, &s); err != nil {
		return StorageState{}, fmt.Errorf("parse storage state: %w", err)
	}
	return s, nil
}

// localStorageByOrigin flattens Origins for injection into new documents.
func (s StorageState) localStorageByOrigin() map[string]map[string]string {
	out := make(map[string]map[string]string, len(s.Origins))
	for _, o := range s.Origins {
		items := make(map[string]string, len(o.LocalStorage))
		for _, kv := range o.LocalStorage {
			items[kv.Name] = kv.Value
		}
		out[o.Origin] = items
	}
	return out
}
