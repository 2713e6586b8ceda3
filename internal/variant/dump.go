package variant

import (
	"go.yaml.in/yaml/v3"
)

// DebugDump renders v as human-readable YAML for operator tooling (the
// status command's --verbose output prints the permission and cache-size
// state this way rather than as the raw tagged-union encoding).
func (v Value) DebugDump() (string, error) {
	out, err := yaml.Marshal(v.toPlain())
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// toPlain converts v into the generic maps/slices/scalars yaml.Marshal
// already knows how to render, since Value itself carries unexported
// invariants (Items meaning differs for Array vs Tuple) that a struct tag
// based marshal would get wrong.
func (v Value) toPlain() interface{} {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindUint:
		return v.Uint
	case KindBool:
		return v.Bool
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bytes
	case KindUUID:
		return v.UUID.String()
	case KindArray:
		items := make([]interface{}, len(v.Items))
		for i, it := range v.Items {
			items[i] = it.toPlain()
		}
		return items
	case KindTuple:
		items := make([]interface{}, len(v.Items))
		for i, it := range v.Items {
			items[i] = it.toPlain()
		}
		return map[string]interface{}{"tuple": items}
	case KindMaybe:
		if v.Inner == nil {
			return nil
		}
		return v.Inner.toPlain()
	default:
		return nil
	}
}
