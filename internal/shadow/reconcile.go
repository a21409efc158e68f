package shadow

// resolvePending returns the pending list with every key resolved by the
// incoming report removed. A key resolves when the report carries a value
// for it that equals the current desired value; reported keys that are
// not pending, and pending keys absent from the report, are left alone.
func resolvePending(desired StateMap, pending []string, reported StateMap) []string {
	if len(pending) == 0 || len(reported) == 0 {
		return pending
	}
	out := pending[:0:0]
	for _, key := range pending {
		rv, reportedKey := reported[key]
		if reportedKey && valueEqual(rv, desired[key]) {
			continue
		}
		out = append(out, key)
	}
	return out
}
