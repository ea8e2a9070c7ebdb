package orchestrator

// Merge folds incoming into a copy of acc. For every type in incoming, items
// whose key is not yet present in that bucket are appended in incoming order.
// Existing items are never removed or reordered and acc is left untouched:
// buckets that change get a fresh backing array.
func Merge(acc, incoming MergedByType) MergedByType {
	out := make(MergedByType, len(acc)+len(incoming))
	for typ, items := range acc {
		out[typ] = items
	}
	for typ, next := range incoming {
		if len(next) == 0 {
			continue
		}
		existing := acc[typ]
		seen := make(map[string]struct{}, len(existing)+len(next))
		for _, it := range existing {
			seen[it.Key()] = struct{}{}
		}
		// Full slice expression so append never writes into acc's array.
		merged := existing[:len(existing):len(existing)]
		for _, it := range next {
			k := it.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, it)
		}
		out[typ] = merged
	}
	return out
}
