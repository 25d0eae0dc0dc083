package wire

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// UnmarshalRecord decodes data into out, a pointer to a struct declaring
// numeric `cbor:"<tag>[,keyasint][,omitempty]"` fields, enforcing the
// record semantics: the CBOR value must be a map
// (ErrTypeMismatch otherwise), and every field without an `omitempty` tag
// must have a matching key present (ErrMissingField otherwise). Unknown
// map keys are tolerated, matching decMode.Unmarshal's existing behavior.
// Field order in the struct declaration plays no part in either check.
func UnmarshalRecord(data []byte, out any) error {
	var raw map[int]cbor.RawMessage
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrTypeMismatch, err)
	}

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("wire: UnmarshalRecord target must be a pointer to struct, got %T", out)
	}

	rt := rv.Elem().Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag, ok := field.Tag.Lookup("cbor")
		if !ok {
			continue
		}
		parts := strings.Split(tag, ",")
		key, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		optional := false
		for _, opt := range parts[1:] {
			if opt == "omitempty" {
				optional = true
			}
		}
		if optional {
			continue
		}
		if _, present := raw[key]; !present {
			return fmt.Errorf("%w: %s.%s (tag %d)", ErrMissingField, rt.Name(), field.Name, key)
		}
	}

	return decMode.Unmarshal(data, out)
}
