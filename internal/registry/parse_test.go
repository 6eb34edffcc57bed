package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const (
	addrA = "0xAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaa"
	addrB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	addrC = "0xcccccccccccccccccccccccccccccccccccccccc"
)

func TestParseCSV(t *testing.T) {
	in := `# curated roster
address,classification,status,reason,label
` + addrA + `,short-term,active,,@alpha
` + addrB + `,weather,,,
` + addrC + `,basic,active,unreachable,gone
`
	entries, err := Parse(strings.NewReader(in), FormatCSV)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, domain.Address(strings.ToLower(addrA)), entries[0].Address)
	assert.Equal(t, domain.ClassHFArbitrage, entries[0].Classification)
	assert.Equal(t, "alpha", entries[0].Label)
	assert.Equal(t, domain.StatusIncluded, entries[0].Status)

	assert.Equal(t, domain.ClassNicheAsymmetric, entries[1].Classification)
	assert.Equal(t, domain.StatusIncluded, entries[1].Status)

	assert.True(t, entries[2].Excluded(), "unreachable forces exclusion")
}

func TestParseTOMLAndYAMLAgree(t *testing.T) {
	tomlIn := `
[[trader]]
address = "` + addrA + `"
classification = "neg-risk"
label = "alpha"

[[trader]]
address = "` + addrB + `"
status = "excluded"
`
	yamlIn := `
traders:
  - address: "` + addrA + `"
    classification: negrisk
    label: "@alpha"
  - address: "` + addrB + `"
    status: excluded
`
	fromTOML, err := Parse(strings.NewReader(tomlIn), FormatTOML)
	require.NoError(t, err)
	fromYAML, err := Parse(strings.NewReader(yamlIn), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, fromTOML, fromYAML)
	require.Len(t, fromTOML, 2)
	assert.Equal(t, domain.ClassNegRisk, fromTOML[0].Classification)
	assert.Equal(t, domain.ClassUnverified, fromTOML[1].Classification)
	assert.True(t, fromTOML[1].Excluded())
}

func TestParseRejectsWholeTable(t *testing.T) {
	in := `address,classification
` + addrA + `,basic
not-an-address,basic
` + addrA + `,basic
` + addrB + `,moonshot
`
	entries, err := Parse(strings.NewReader(in), FormatCSV)
	require.Error(t, err)
	assert.Nil(t, entries)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 3)
	assert.Contains(t, err.Error(), "duplicates row 1")
	assert.Contains(t, err.Error(), "moonshot")
}

func TestParseCSVNeedsAddressColumn(t *testing.T) {
	_, err := Parse(strings.NewReader("wallet,label\n"+addrA+",x\n"), FormatCSV)
	require.Error(t, err)
}

func TestFormatFromPath(t *testing.T) {
	for path, want := range map[string]Format{
		"roster.csv":  FormatCSV,
		"roster.TOML": FormatTOML,
		"r.yml":       FormatYAML,
		"r.yaml":      FormatYAML,
	} {
		got, err := FormatFromPath(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
	_, err := FormatFromPath("roster.json")
	assert.Error(t, err)
}

func TestMergeWallets(t *testing.T) {
	base := []domain.RosterEntry{{
		Address:        domain.MustAddress(addrA),
		Classification: domain.ClassBasic,
		Status:         domain.StatusIncluded,
	}}

	out, err := MergeWallets(base, []string{addrA, " ", addrB})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, domain.ClassBasic, out[0].Classification, "table entry wins")
	assert.Equal(t, domain.MustAddress(addrB), out[1].Address)
	assert.Equal(t, domain.ClassUnverified, out[1].Classification)

	_, err = MergeWallets(nil, []string{"0x123"})
	assert.Error(t, err)
}
