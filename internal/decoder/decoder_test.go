package decoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/election-app/election-app/internal/expr"
	"github.com/election-app/election-app/internal/keys"
)

const countyFeed = `<?xml version="1.0" encoding="UTF-8"?>
<ElectionResults Date="2024-11-05" StatePostal="CA" Office="P">
  <ReportingUnit Name="Alameda" FIPS="06001" PercentIn="88.0">
    <Candidate First="Kamala" Last="Harris" Party="Dem" VoteCount="600"/>
    <Candidate First="Donald" Last="Trump" Party="GOP" VoteCount="300"/>
    <Candidate First="Jill" Last="Stein" Party="IND" VoteCount="100"/>
  </ReportingUnit>
  <ReportingUnit Name="Alpine" FIPS="06003">
    <Candidate First="Kamala" Last="Harris" Party="Dem" VoteCount="40"/>
    <Candidate First="Donald" Last="Trump" Party="GOP" VoteCount="60"/>
  </ReportingUnit>
</ElectionResults>`

const districtFeed = `<ElectionResults Date="2024-11-05" StatePostal="NV" Office="H">
  <ReportingUnit Name="District 1" DistrictId="3201" District="1">
    <Candidate First="Dina" Last="Titus" Party="Dem" VoteCount="10" Winner="X"/>
  </ReportingUnit>
</ElectionResults>`

func TestDecodeCountyFeed(t *testing.T) {
	d := New(expr.Program{}, nil)
	rec, err := d.Decode(keys.New("CA", "P", "G"), []byte(countyFeed))
	require.NoError(t, err)

	require.Len(t, rec.Units, 2)
	alameda := rec.Units["06001"]
	require.Equal(t, "Alameda", alameda.Name)
	require.Len(t, alameda.Entries, 3)
	require.Equal(t, "Kamala Harris", alameda.Entries[0].Name)
	require.Equal(t, "DEM", alameda.Entries[0].Category)
	require.Equal(t, int64(1000), alameda.Total)
	require.Equal(t, int64(1100), rec.Total)
}

func TestDecodeDistrictFeedUsesDistrictID(t *testing.T) {
	d := New(expr.Program{}, nil)
	rec, err := d.Decode(keys.New("NV", "H", "G"), []byte(districtFeed))
	require.NoError(t, err)
	require.Contains(t, rec.Units, "3201")
	require.Equal(t, int64(10), rec.Total)
}

func TestDecodeAppliesWeightExpression(t *testing.T) {
	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	program, err := env.CompileWeight(`category in params ? lookup(params, category) : 1.0`)
	require.NoError(t, err)

	d := New(program, map[string]any{"IND": 0.0})
	rec, err := d.Decode(keys.New("CA", "P", "G"), []byte(countyFeed))
	require.NoError(t, err)
	require.Equal(t, int64(900), rec.Units["06001"].Total)
	require.Equal(t, int64(100), rec.Units["06001"].Entries[2].Count, "raw counts are kept")
}

func TestDecodeMalformedInput(t *testing.T) {
	d := New(expr.Program{}, nil)
	cases := map[string]string{
		"empty":        "",
		"not xml":      "{\"ok\":true}",
		"wrong root":   `<Other/>`,
		"truncated":    `<ElectionResults><ReportingUnit Name="x">`,
		"bad count":    `<ElectionResults><ReportingUnit FIPS="1"><Candidate VoteCount="lots"/></ReportingUnit></ElectionResults>`,
		"negative":     `<ElectionResults><ReportingUnit FIPS="1"><Candidate VoteCount="-4"/></ReportingUnit></ElectionResults>`,
		"binary noise": "\x00\x01\x02<<<",
	}
	for name, body := range cases {
		name, body := name, body
		t.Run(name, func(t *testing.T) {
			_, err := d.Decode(keys.New("CA", "P", "G"), []byte(body))
			require.ErrorIs(t, err, ErrMalformedInput)
		})
	}
}

func TestDecodeRejectsDuplicateUnit(t *testing.T) {
	d := New(expr.Program{}, nil)
	body := `<ElectionResults StatePostal="CA">
  <ReportingUnit Name="Alameda" FIPS="06001"><Candidate VoteCount="10"/></ReportingUnit>
  <ReportingUnit Name="Alameda again" FIPS="06001"><Candidate VoteCount="7"/></ReportingUnit>
</ElectionResults>`
	_, err := d.Decode(keys.New("CA", "P", "G"), []byte(body))
	require.ErrorIs(t, err, ErrMalformedInput)
	require.ErrorContains(t, err, "duplicate reporting unit 06001")
}

func TestDecodeEmptyResultsDocument(t *testing.T) {
	d := New(expr.Program{}, nil)
	rec, err := d.Decode(keys.Key{}, []byte(`<ElectionResults StatePostal="wa"/>`))
	require.NoError(t, err)
	require.Empty(t, rec.Units)
	require.Zero(t, rec.Total)
}
