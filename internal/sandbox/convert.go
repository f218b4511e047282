package sandbox

import (
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
)

// toStarlark converts a JSON-shaped Go value into a Starlark value.
func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Time:
		return starlark.String(val.UTC().Format(time.RFC3339Nano)), nil
	case []any:
		elems := make([]starlark.Value, 0, len(val))
		for _, e := range val {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		// Deterministic insertion keeps repr stable across runs.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := toStarlark(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", v)
	}
}

// fromStarlark converts a Starlark value back into a JSON-serializable Go
// value. Non-mapping returns are accepted as-is per the execution contract.
func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return val.String(), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		out := make([]any, 0, val.Len())
		for i := 0; i < val.Len(); i++ {
			gv, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, len(val))
		for _, e := range val {
			gv, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			gv, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported return type %s", v.Type())
	}
}

// executionGlobals builds the frozen predeclared environment for one run.
func executionGlobals(fc FunctionConfig, tc TickContext) (starlark.StringDict, error) {
	tickData, err := toStarlark(tc.TickData)
	if err != nil {
		return nil, fmt.Errorf("converting tick_data: %w", err)
	}
	params, err := toStarlark(fc.Parameters)
	if err != nil {
		return nil, fmt.Errorf("converting parameters: %w", err)
	}
	agg, err := toStarlark(tc.AggregatedData)
	if err != nil {
		return nil, fmt.Errorf("converting aggregated_data: %w", err)
	}

	globals := starlark.StringDict{
		"tick_data":       tickData,
		"parameters":      params,
		"instrument_key":  starlark.String(tc.InstrumentKey),
		"timestamp":       starlark.String(tc.Timestamp.UTC().Format(time.RFC3339Nano)),
		"aggregated_data": agg,
	}
	for _, v := range globals {
		v.Freeze()
	}
	return globals, nil
}
