package crypto

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize encodes v as canonical JSON bytes: sorted keys, NFC strings,
// null map values dropped, numbers in their shortest round-trip form.
func Canonicalize(v any) ([]byte, error) {
	enc := canonicalEncoder{dropNulls: true}
	if err := enc.encode(v); err != nil {
		return nil, err
	}
	return enc.out.Bytes(), nil
}

// CanonicalizeJSON re-encodes raw JSON canonically. Numbers are decoded as
// json.Number so their value survives unchanged.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return Canonicalize(v)
}

// CanonicalizeStruct marshals v with encoding/json and canonicalizes the
// result, so struct tags and custom marshalers decide the field names.
func CanonicalizeStruct(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

type canonicalEncoder struct {
	out       bytes.Buffer
	dropNulls bool
}

type member struct {
	name  string
	value any
}

func (e *canonicalEncoder) encode(v any) error {
	if n, ok := v.(json.Number); ok {
		return e.number(n)
	}

	rv := indirect(reflect.ValueOf(v))
	switch rv.Kind() {
	case reflect.Invalid:
		e.out.WriteString("null")
	case reflect.String:
		return e.str(rv.String())
	case reflect.Bool:
		e.out.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.out.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.out.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		return e.float(rv.Float())
	case reflect.Map:
		return e.object(rv)
	case reflect.Slice:
		if rv.IsNil() {
			e.out.WriteString("null")
			return nil
		}
		return e.array(rv)
	case reflect.Array:
		return e.array(rv)
	default:
		return ErrUnsupportedType
	}
	return nil
}

// indirect unwraps interfaces and pointers. A nil anywhere along the way
// yields the zero Value, which encodes as null.
func indirect(rv reflect.Value) reflect.Value {
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	return rv
}

func (e *canonicalEncoder) str(s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	e.out.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// number keeps integers exact when they fit in int64; everything else goes
// through float64.
func (e *canonicalEncoder) number(n json.Number) error {
	lit := n.String()
	if !strings.ContainsAny(lit, ".eE") {
		if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
			e.out.WriteString(strconv.FormatInt(i, 10))
			return nil
		}
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return ErrInvalidNumber
	}
	return e.float(f)
}

// float uses the ECMAScript Number.prototype.toString form adopted by RFC 8785.
func (e *canonicalEncoder) float(f float64) error {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return ErrInvalidNumber
	case f == 0:
		e.out.WriteByte('0')
		return nil
	}
	if abs := math.Abs(f); abs >= 1e-6 && abs < 1e21 {
		e.out.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	e.out.WriteString(mantissa)
	e.out.WriteByte('e')
	e.out.WriteByte(exp[0])
	e.out.WriteString(strings.TrimLeft(exp[1:], "0"))
	return nil
}

func (e *canonicalEncoder) object(rv reflect.Value) error {
	if rv.Type().Key().Kind() != reflect.String {
		return ErrNonStringMapKey
	}

	members := make([]member, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		name := norm.NFC.String(iter.Key().String())
		value := iter.Value().Interface()
		members = append(members, member{name: name, value: value})
	}
	slices.SortFunc(members, func(a, b member) int { return strings.Compare(a.name, b.name) })

	// Two distinct keys can normalize to the same NFC form; after sorting
	// they are adjacent.
	for i := 1; i < len(members); i++ {
		if members[i].name == members[i-1].name {
			return ErrKeyCollision
		}
	}

	e.out.WriteByte('{')
	first := true
	for _, m := range members {
		if e.dropNulls && isNull(m.value) {
			continue
		}
		if !first {
			e.out.WriteByte(',')
		}
		first = false
		if err := e.str(m.name); err != nil {
			return err
		}
		e.out.WriteByte(':')
		if err := e.encode(m.value); err != nil {
			return err
		}
	}
	e.out.WriteByte('}')
	return nil
}

func (e *canonicalEncoder) array(rv reflect.Value) error {
	e.out.WriteByte('[')
	for i := range rv.Len() {
		if i > 0 {
			e.out.WriteByte(',')
		}
		if err := e.encode(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	e.out.WriteByte(']')
	return nil
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
