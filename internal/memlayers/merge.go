package memlayers

// deepMerge implements the user-model upsert rule: arrays are replaced
// wholesale, nested objects are merged key-by-key, an undefined (absent)
// key in src is skipped, and an explicit null in src is written through
// (clearing the destination key). deepMerge(x, nil) == x and
// deepMerge(nil, y) == y, the round-trip laws the store relies on.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		return src
	}
	if src == nil {
		return dst
	}

	out := make(map[string]interface{}, len(dst))
	for k, v := range dst {
		out[k] = v
	}

	for k, v := range src {
		if v == nil {
			out[k] = nil
			continue
		}

		switch sv := v.(type) {
		case map[string]interface{}:
			if existing, ok := out[k].(map[string]interface{}); ok {
				out[k] = deepMerge(existing, sv)
			} else {
				out[k] = sv
			}
		default:
			// arrays and scalars replace wholesale
			out[k] = v
		}
	}

	return out
}

// mergeSteps deduplicates procedural steps while preserving the order they
// were first seen in (existing steps, then new ones).
func mergeSteps(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))

	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	for _, s := range incoming {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}
