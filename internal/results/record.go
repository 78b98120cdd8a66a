package results

// Entry is one candidate line inside a reporting unit.
type Entry struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// Unit holds the entries for one reporting unit (county, district) and the
// weighted total derived from them.
type Unit struct {
	Name    string  `json:"name"`
	Entries []Entry `json:"entries"`
	Total   int64   `json:"total"`
}

// Record is the normalized form of one upstream response, keyed by unit id.
type Record struct {
	Units map[string]Unit `json:"units"`
	Total int64           `json:"total"`
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (r Record) Clone() Record {
	out := Record{Total: r.Total}
	if r.Units == nil {
		return out
	}
	out.Units = make(map[string]Unit, len(r.Units))
	for id, u := range r.Units {
		cu := Unit{Name: u.Name, Total: u.Total}
		if u.Entries != nil {
			cu.Entries = append([]Entry(nil), u.Entries...)
		}
		out.Units[id] = cu
	}
	return out
}
