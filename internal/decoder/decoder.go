package decoder

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/election-app/election-app/internal/expr"
	"github.com/election-app/election-app/internal/keys"
	"github.com/election-app/election-app/internal/results"
)

// ErrMalformedInput is returned for any payload that is not a usable results document.
var ErrMalformedInput = errors.New("decoder: malformed input")

type document struct {
	XMLName     xml.Name      `xml:"ElectionResults"`
	Date        string        `xml:"Date,attr"`
	StatePostal string        `xml:"StatePostal,attr"`
	Office      string        `xml:"Office,attr"`
	Units       []unitElement `xml:"ReportingUnit"`
}

type unitElement struct {
	Name       string             `xml:"Name,attr"`
	FIPS       string             `xml:"FIPS,attr"`
	DistrictID string             `xml:"DistrictId,attr"`
	District   string             `xml:"District,attr"`
	Candidates []candidateElement `xml:"Candidate"`
}

type candidateElement struct {
	First     string `xml:"First,attr"`
	Last      string `xml:"Last,attr"`
	Party     string `xml:"Party,attr"`
	VoteCount string `xml:"VoteCount,attr"`
}

// Decoder turns upstream XML into a results.Record. It performs no I/O and is
// safe for concurrent use.
type Decoder struct {
	weight expr.Program
	params map[string]any
}

// New builds a decoder that weights each entry with program. params is exposed
// to the expression as the params map.
func New(program expr.Program, params map[string]any) *Decoder {
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return &Decoder{weight: program, params: cp}
}

// Decode parses raw for key. Any failure, including a panic in the weighting
// step, is reported as ErrMalformedInput.
func (d *Decoder) Decode(key keys.Key, raw []byte) (rec results.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = results.Record{}
			err = fmt.Errorf("%w: %v", ErrMalformedInput, r)
		}
	}()

	if len(bytes.TrimSpace(raw)) == 0 {
		return results.Record{}, fmt.Errorf("%w: empty body", ErrMalformedInput)
	}
	var doc document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return results.Record{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	region := key.Region
	if region == "" {
		region = strings.ToUpper(doc.StatePostal)
	}

	rec = results.Record{Units: make(map[string]results.Unit, len(doc.Units))}
	for i, u := range doc.Units {
		id := unitID(u, i)
		if _, dup := rec.Units[id]; dup {
			return results.Record{}, fmt.Errorf("%w: duplicate reporting unit %s", ErrMalformedInput, id)
		}
		unit := results.Unit{Name: strings.TrimSpace(u.Name), Entries: make([]results.Entry, 0, len(u.Candidates))}
		var weighted float64
		for _, c := range u.Candidates {
			count, err := parseCount(c.VoteCount)
			if err != nil {
				return results.Record{}, fmt.Errorf("%w: unit %s: %v", ErrMalformedInput, id, err)
			}
			entry := results.Entry{
				Name:     strings.TrimSpace(strings.TrimSpace(c.First) + " " + strings.TrimSpace(c.Last)),
				Category: strings.ToUpper(strings.TrimSpace(c.Party)),
				Count:    count,
			}
			w, err := d.weightFor(region, id, entry)
			if err != nil {
				return results.Record{}, fmt.Errorf("%w: unit %s: %v", ErrMalformedInput, id, err)
			}
			weighted += w * float64(count)
			unit.Entries = append(unit.Entries, entry)
		}
		unit.Total = int64(math.Round(weighted))
		rec.Units[id] = unit
		rec.Total += unit.Total
	}
	return rec, nil
}

func (d *Decoder) weightFor(region, unit string, e results.Entry) (float64, error) {
	if d.weight.Source() == "" {
		return 1, nil
	}
	return d.weight.Weight(map[string]any{
		"name":     e.Name,
		"category": e.Category,
		"region":   region,
		"unit":     unit,
		"count":    e.Count,
		"params":   d.params,
	})
}

// unitID prefers FIPS, then the district id, then the unit name.
func unitID(u unitElement, index int) string {
	for _, candidate := range []string{u.FIPS, u.DistrictID, u.Name} {
		if id := strings.TrimSpace(candidate); id != "" {
			return id
		}
	}
	return strconv.Itoa(index)
}

func parseCount(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("vote count %q", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative vote count %q", raw)
	}
	return n, nil
}
