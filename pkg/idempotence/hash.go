package idempotence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// InputHash computes the canonical idempotence key: a sha-256 digest over
// {tool_id, version, input} with every object's keys sorted, so two
// byte-distinct but semantically identical JSON inputs hash the same.
func InputHash(toolID, version string, input json.RawMessage) (string, error) {
	var decoded interface{}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return "", err
	}

	canonical := map[string]interface{}{
		"tool_id": toolID,
		"version": version,
		"input":   decoded,
	}

	buf, err := marshalSorted(canonical)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// marshalSorted produces deterministic JSON by sorting map keys at every
// level; json.Marshal already sorts top-level map[string]interface{} keys,
// but nested maps need the same treatment, so this walks the value tree
// rebuilding it with ordered keys before handing off to json.Marshal.
func marshalSorted(v interface{}) ([]byte, error) {
	return json.Marshal(sortValue(v))
}

func sortValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kv{k, sortValue(val[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = sortValue(e)
		}
		return out
	default:
		return val
	}
}

type kv struct {
	Key   string
	Value interface{}
}

type orderedMap []kv

func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, pair := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
