// Package codec converts setting values to and from their stored text form.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
)

// ErrUnsupported is returned when a value has no JSON representation.
var ErrUnsupported = errors.New("value is not JSON-compatible")

// Kind tags the shape of a decoded value.
type Kind int

const (
	KindInvalid Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// KindOf reports the JSON shape of v. Typed slices and string-keyed maps are
// accepted as lists and maps.
func KindOf(v any) Kind {
	if v == nil {
		return KindNull
	}
	switch v.(type) {
	case json.Number:
		return KindNumber
	case []byte:
		return KindString
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return KindBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindNumber
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return KindInvalid
		}
		return KindNumber
	case reflect.String:
		return KindString
	case reflect.Slice, reflect.Array:
		return KindList
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			return KindMap
		}
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return KindNull
		}
		return KindOf(rv.Elem().Interface())
	}
	return KindInvalid
}

// Codec encodes values for storage and decodes them back.
type Codec interface {
	Encode(v any) (string, error)
	// Decode never fails: content that cannot be parsed is returned as-is.
	Decode(s string) any
}

// JSON is the Codec used for the settings table.
type JSON struct{}

var _ Codec = JSON{}

// Encode renders v as compact JSON. HTML characters and non-ASCII text are
// written verbatim and a top-level []byte is stored as text. Values whose
// Kind is invalid, at any depth, are rejected with ErrUnsupported.
func (JSON) Encode(v any) (string, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if err := checkKinds(v); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// checkKinds walks lists and maps so nested values get the same KindOf test
// as the top level.
func checkKinds(v any) error {
	kind := KindOf(v)
	if kind == KindInvalid {
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	if kind != KindList && kind != KindMap {
		return nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	if kind == KindList {
		for i := 0; i < rv.Len(); i++ {
			if err := checkKinds(rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	}
	iter := rv.MapRange()
	for iter.Next() {
		if err := checkKinds(iter.Value().Interface()); err != nil {
			return fmt.Errorf("key %q: %w", iter.Key().String(), err)
		}
	}
	return nil
}

// Decode parses a single JSON document. Integral numbers come back as int64,
// other numbers as float64. Encode writes an integral float such as 3.0 as
// "3", so it decodes as int64(3).
func (JSON) Decode(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return s
	}
	if _, err := dec.Token(); err != io.EOF {
		return s
	}
	return normalizeNumbers(v)
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	default:
		return v
	}
}
