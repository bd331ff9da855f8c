package convert

import (
	"reflect"

	"github.com/godbus/dbus/v5"
)

var (
	boolSignature   = dbus.SignatureOfType(reflect.TypeOf(false))
	stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))
	uint32Signature = dbus.SignatureOfType(reflect.TypeOf(uint32(0)))
)

func FromBool(input bool) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, boolSignature)
}

func FromString(input string) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, stringSignature)
}

func FromUint32(input uint32) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, uint32Signature)
}

// String reads a string (or object path) entry from a vardict.
func String(m map[string]dbus.Variant, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	switch s := v.Value().(type) {
	case string:
		return s, true
	case dbus.ObjectPath:
		return string(s), true
	default:
		return "", false
	}
}

// Uint32 reads a uint32 entry from a vardict.
func Uint32(m map[string]dbus.Variant, key string) (uint32, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	u, ok := v.Value().(uint32)
	return u, ok
}

// Int32Pair decodes an (ii) struct as godbus presents it.
func Int32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}

	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}

	return [2]int32{left, right}, true
}
