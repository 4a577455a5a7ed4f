package config

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Patch applies a single path/value override to a JSON configuration
// document without a full unmarshal, the way coap_observe_sync.go uses
// gjson.GetBytes to pluck a single field out of a larger response. This
// is aimed at ops tooling and tests that want to tweak one knob (e.g.
// "oscore_exchange_cache_size") without constructing a whole document.
func Patch(doc []byte, path string, value interface{}) ([]byte, error) {
	out, err := sjson.SetBytes(doc, path, value)
	if err != nil {
		return nil, fmt.Errorf("config: patch %q: %w", path, err)
	}
	return out, nil
}

// Get reads a single value out of a JSON configuration document by
// gjson path, returning ok=false if the path is absent.
func Get(doc []byte, path string) (gjson.Result, bool) {
	r := gjson.GetBytes(doc, path)
	return r, r.Exists()
}
