package schema

import (
	"encoding/json"
	"sort"
	"time"
)

// ///////////////////////////////////////////////////////////
// GENERATE JSON SCHEMA
// ///////////////////////////////////////////////////////////

// Infer derives an object schema covering every record. Fields whose types
// disagree across records get a union type.
func Infer(records []map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
	for _, record := range records {
		schema = Merge(schema, inferObject(record))
	}
	return schema
}

func inferObject(record map[string]interface{}) map[string]interface{} {
	properties := make(map[string]interface{}, len(record))
	for key, value := range record {
		properties[key] = inferValue(value)
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
}

func inferValue(value interface{}) map[string]interface{} {
	switch v := value.(type) {
	case nil:
		return map[string]interface{}{"type": "null"}
	case bool:
		return map[string]interface{}{"type": "boolean"}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return map[string]interface{}{"type": "integer"}
	case float32, float64:
		return map[string]interface{}{"type": "number"}
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return map[string]interface{}{"type": "integer"}
		}
		return map[string]interface{}{"type": "number"}
	case map[string]interface{}:
		return inferObject(v)
	case []interface{}:
		return map[string]interface{}{"type": "array"}
	case time.Time:
		return map[string]interface{}{"type": "string", "format": "date-time"}
	case []byte:
		return map[string]interface{}{"type": "string"}
	case string:
		if _, err := time.Parse(time.RFC3339, v); err == nil {
			return map[string]interface{}{"type": "string", "format": "date-time"}
		}
		if _, err := time.Parse("2006-01-02", v); err == nil {
			return map[string]interface{}{"type": "string", "format": "date"}
		}
		return map[string]interface{}{"type": "string"}
	}
	return map[string]interface{}{}
}

// Merge widens existing so that it also accepts everything update accepts.
func Merge(existing, update map[string]interface{}) map[string]interface{} {
	if existing == nil {
		return update
	}
	if update == nil {
		return existing
	}

	out := map[string]interface{}{}
	types := unionTypes(existing["type"], update["type"])
	if len(types) == 1 {
		out["type"] = types[0]
	} else if len(types) > 1 {
		list := make([]interface{}, len(types))
		for i, t := range types {
			list[i] = t
		}
		out["type"] = list
	}

	// a format only survives if both sides agree or one side is null-only
	ef, eok := existing["format"]
	uf, uok := update["format"]
	switch {
	case eok && uok && ef == uf:
		out["format"] = ef
	case eok && !uok && isNullOnly(update):
		out["format"] = ef
	case uok && !eok && isNullOnly(existing):
		out["format"] = uf
	}

	ep, _ := existing["properties"].(map[string]interface{})
	up, _ := update["properties"].(map[string]interface{})
	if ep != nil || up != nil {
		props := map[string]interface{}{}
		for k, v := range ep {
			props[k] = v
		}
		for k, v := range up {
			uv, _ := v.(map[string]interface{})
			if prev, ok := props[k].(map[string]interface{}); ok {
				props[k] = Merge(prev, uv)
			} else {
				props[k] = uv
			}
		}
		out["properties"] = props
	}
	return out
}

func isNullOnly(s map[string]interface{}) bool {
	return s["type"] == "null"
}

func unionTypes(a, b interface{}) []string {
	set := map[string]bool{}
	for _, t := range []interface{}{a, b} {
		switch v := t.(type) {
		case string:
			set[v] = true
		case []interface{}:
			for _, x := range v {
				if s, ok := x.(string); ok {
					set[s] = true
				}
			}
		case []string:
			for _, s := range v {
				set[s] = true
			}
		}
	}
	// integer is a subset of number
	if set["integer"] && set["number"] {
		delete(set, "integer")
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
