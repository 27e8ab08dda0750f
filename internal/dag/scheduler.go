package dag

import "sort"

// ReadyEntries returns the keys of PENDING entries whose dependencies are
// all COMPLETED or CACHED, ordered by (depth, key). It does not modify p or
// state.
func ReadyEntries(p *Plan, state ExecutionState) []string {
	if p == nil {
		return nil
	}

	var ready []string
	for i, e := range p.Entries {
		k := e.ID.String()
		if state[k] != StatePending {
			continue
		}
		ok := true
		for _, d := range p.topo.incoming[i] {
			if !IsSuccessful(state[p.Entries[d].ID.String()]) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, k)
		}
	}
	sortByDepth(p, ready)
	return ready
}

func sortByDepth(p *Plan, keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		di := p.Entries[p.index[keys[i]]].Depth
		dj := p.Entries[p.index[keys[j]]].Depth
		if di != dj {
			return di < dj
		}
		return keys[i] < keys[j]
	})
}
