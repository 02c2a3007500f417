package safetensors

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/jmorganca/ctrlnet/ml"
)

// WeightSource is an interface for loading weights. ModelWeights implements
// it; wrappers can transform tensors on the way through.
type WeightSource interface {
	GetTensor(ctx ml.Context, name string) (ml.Tensor, error)
	ListTensors() []string
	HasTensor(name string) bool
}

func (mw *ModelWeights) GetTensor(ctx ml.Context, name string) (ml.Tensor, error) {
	return mw.Load(ctx, name)
}

func (mw *ModelWeights) ListTensors() []string { return mw.Names() }

func (mw *ModelWeights) HasTensor(name string) bool {
	_, ok := mw.tensorInfo[name]
	return ok
}

var tensorType = reflect.TypeOf((*ml.Tensor)(nil)).Elem()

// LoadModule loads weights into a struct using reflection and struct tags.
//
// Struct tags use the format: `safetensors:"path[,optional]"`
//   - path: the weight name suffix (appended to prefix)
//   - optional: if present, missing weights don't cause errors
//   - "-": skip this field entirely
//   - no tag on a struct pointer: recurse with the current prefix
//   - no tag on an ml.Tensor: skip (computed fields don't need loading)
//
// Slices of struct pointers iterate with .0, .1, .2... suffixes and must be
// pre-allocated. Maps keyed by string iterate with the key as suffix.
func LoadModule(ctx ml.Context, dst any, weights WeightSource, prefix string) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("LoadModule: dst must be a non-nil pointer")
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("LoadModule: dst must be a pointer to struct, got %v", v.Kind())
	}

	var errs []string
	loadStruct(ctx, v, weights, prefix, &errs, false)

	if len(errs) > 0 {
		return fmt.Errorf("LoadModule: missing weights:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func loadStruct(ctx ml.Context, v reflect.Value, weights WeightSource, prefix string, errs *[]string, parentOptional bool) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		tag, hasTag := field.Tag.Lookup("safetensors")
		if tag == "-" {
			continue
		}

		optional := parentOptional
		weightPath := tag
		if idx := strings.Index(tag, ","); idx != -1 {
			weightPath = tag[:idx]
			if strings.Contains(tag[idx+1:], "optional") {
				optional = true
			}
		}

		name := prefix
		if weightPath != "" {
			name = joinName(prefix, weightPath)
		}

		switch {
		case fieldVal.Type() == tensorType:
			if !hasTag || weightPath == "" {
				continue
			}
			if !weights.HasTensor(name) {
				if !optional {
					*errs = append(*errs, name)
				}
				continue
			}
			arr, err := weights.GetTensor(ctx, name)
			if err != nil {
				*errs = append(*errs, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			fieldVal.Set(reflect.ValueOf(arr))

		case fieldVal.Kind() == reflect.Ptr && fieldVal.Type().Elem().Kind() == reflect.Struct:
			if fieldVal.IsNil() {
				continue
			}
			loadStruct(ctx, fieldVal.Elem(), weights, name, errs, optional)

		case fieldVal.Kind() == reflect.Struct:
			loadStruct(ctx, fieldVal, weights, name, errs, optional)

		case fieldVal.Kind() == reflect.Slice && isStructPtr(fieldVal.Type().Elem()):
			for j := 0; j < fieldVal.Len(); j++ {
				el := fieldVal.Index(j)
				if el.IsNil() {
					continue
				}
				loadStruct(ctx, el.Elem(), weights, fmt.Sprintf("%s.%d", name, j), errs, optional)
			}

		case fieldVal.Kind() == reflect.Map && fieldVal.Type().Key().Kind() == reflect.String && isStructPtr(fieldVal.Type().Elem()):
			keys := make([]string, 0, fieldVal.Len())
			for _, k := range fieldVal.MapKeys() {
				keys = append(keys, k.String())
			}
			slices.Sort(keys)
			for _, k := range keys {
				el := fieldVal.MapIndex(reflect.ValueOf(k))
				if el.IsNil() {
					continue
				}
				loadStruct(ctx, el.Elem(), weights, joinName(name, k), errs, optional)
			}
		}
	}
}

func isStructPtr(t reflect.Type) bool {
	return t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct
}

func joinName(prefix, path string) string {
	if prefix == "" {
		return path
	}
	if path == "" {
		return prefix
	}

	return prefix + "." + path
}
