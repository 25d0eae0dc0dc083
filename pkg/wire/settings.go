package wire

import (
	"fmt"
	"strconv"
)

// settingsForward maps the readable setting names named in the source to
// their numeric CBOR tags. Tags not listed here are
// addressed directly by their decimal tag.
var settingsForward = map[string]int{
	"base_sample_rate_hz": 0,
	"snippet_interval_ms": 1,
	"snippet_length":      2,
	"health_interval_ms":  3,
}

var settingsReverse = func() map[int]string {
	m := make(map[int]string, len(settingsForward))
	for name, tag := range settingsForward {
		m[tag] = name
	}
	return m
}()

// SettingsFromReadable maps readable setting names to their numeric tags.
// Names outside the named table must parse as a decimal integer tag.
func SettingsFromReadable(settings map[string]any) (map[int]any, error) {
	out := make(map[int]any, len(settings))
	for key, value := range settings {
		if tag, ok := settingsForward[key]; ok {
			out[tag] = value
			continue
		}
		tag, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSettingKey, key)
		}
		out[tag] = value
	}
	return out, nil
}

// SettingsToReadable maps numeric tags back to readable names where known,
// falling back to the decimal tag as a string.
func SettingsToReadable(settings map[int]any) map[string]any {
	out := make(map[string]any, len(settings))
	for tag, value := range settings {
		if name, ok := settingsReverse[tag]; ok {
			out[name] = value
			continue
		}
		out[strconv.Itoa(tag)] = value
	}
	return out
}
