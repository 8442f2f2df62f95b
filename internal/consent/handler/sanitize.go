package handler

import (
	"reflect"
	"strings"
)

// trimStrings trims whitespace from every settable string reachable from v
// through struct fields, slices and pointers. Map entries are left alone.
func trimStrings(v any) {
	trimValue(reflect.ValueOf(v))
}

func trimValue(val reflect.Value) {
	switch val.Kind() {
	case reflect.Ptr:
		if !val.IsNil() {
			trimValue(val.Elem())
		}
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			if f := val.Field(i); f.CanSet() {
				trimValue(f)
			}
		}
	case reflect.Slice:
		for j := 0; j < val.Len(); j++ {
			trimValue(val.Index(j))
		}
	case reflect.String:
		if val.CanSet() {
			val.SetString(strings.TrimSpace(val.String()))
		}
	}
}
