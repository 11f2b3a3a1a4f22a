package transport

import (
	"encoding/json"
	"maps"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Preferences are terminal settings keyed by name. Values keep their JSON
// shapes: bool, float64, string, map[string]any.
type Preferences map[string]any

// Preference keys with dedicated handling. Any other key is stored as an
// emulator option.
const (
	PrefRendererType         = "rendererType"
	PrefDisableLeaveAlert    = "disableLeaveAlert"
	PrefDisableResizeOverlay = "disableResizeOverlay"
	PrefDisableReconnect     = "disableReconnect"
	PrefEnableZmodem         = "enableZmodem"
	PrefEnableTrzsz          = "enableTrzsz"
	PrefTrzszDragInitTimeout = "trzszDragInitTimeout"
	PrefEnableSixel          = "enableSixel"
	PrefCloseOnDisconnect    = "closeOnDisconnect"
	PrefTitleFixed           = "titleFixed"
	PrefIsWindows            = "isWindows"
	PrefUnicodeVersion       = "unicodeVersion"
)

// MergePreferences layers prefs left to right; later layers win.
func MergePreferences(layers ...Preferences) Preferences {
	out := Preferences{}
	for _, l := range layers {
		maps.Copy(out, l)
	}
	return out
}

// DecodePreferences parses a SET_PREFERENCES payload.
func DecodePreferences(p []byte) (Preferences, error) {
	var prefs Preferences
	if err := json.Unmarshal(p, &prefs); err != nil {
		return nil, err
	}
	if prefs == nil {
		prefs = Preferences{}
	}
	return prefs, nil
}

// ParseQueryPreferences turns a URL query string into preferences. When
// lookup knows the key, the value is parsed to match the known value's type;
// otherwise true/false, numbers and JSON are recognized before falling back
// to the raw string.
func ParseQueryPreferences(query string, lookup func(key string) (any, bool)) Preferences {
	prefs := Preferences{}
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		log.Warn().Err(err).Msg("transport: ignoring malformed preference query")
		return prefs
	}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		raw := vals[len(vals)-1]
		var known any
		var ok bool
		if lookup != nil {
			known, ok = lookup(key)
		}
		if !ok {
			prefs[key] = guessQueryValue(raw)
			continue
		}
		switch known.(type) {
		case bool:
			prefs[key] = raw == "true" || raw == "1"
		case int, int64, float64:
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				log.Warn().Str("key", key).Str("value", raw).Msg("transport: preference is not a number")
				continue
			}
			prefs[key] = n
		case string:
			prefs[key] = raw
		case map[string]any, []any:
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("transport: preference is not valid json")
				continue
			}
			prefs[key] = v
		default:
			prefs[key] = raw
		}
	}
	return prefs
}

func guessQueryValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
	}
	return raw
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case string:
		return b != "" && b != "false" && b != "0"
	}
	return v != nil
}
