package keys

import (
	"sort"
	"strings"
)

// Space is the cross product of regions, categories and sub-types the hub
// keeps warm.
type Space struct {
	Regions    []string `json:"regions" koanf:"regions"`
	Categories []string `json:"categories" koanf:"categories"`
	SubTypes   []string `json:"subTypes" koanf:"subTypes"`
}

// Keys expands the space in region-major order. Blank and duplicate parts are dropped.
func (s Space) Keys() []Key {
	regions := normalizeParts(s.Regions)
	categories := normalizeParts(s.Categories)
	subTypes := normalizeParts(s.SubTypes)
	out := make([]Key, 0, len(regions)*len(categories)*len(subTypes))
	for _, r := range regions {
		for _, c := range categories {
			for _, st := range subTypes {
				out = append(out, Key{Region: r, Category: c, SubType: st})
			}
		}
	}
	return out
}

// Contains reports whether k belongs to the space.
func (s Space) Contains(k Key) bool {
	return containsPart(s.Regions, k.Region) &&
		containsPart(s.Categories, k.Category) &&
		containsPart(s.SubTypes, k.SubType)
}

// SortedRegions returns the normalized region list in lexical order.
func (s Space) SortedRegions() []string {
	out := normalizeParts(s.Regions)
	sort.Strings(out)
	return out
}

func normalizeParts(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func containsPart(parts []string, want string) bool {
	for _, p := range parts {
		if strings.EqualFold(strings.TrimSpace(p), want) {
			return true
		}
	}
	return false
}
