package reader

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relieftools/harvester/internal/framework"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadTableCSV(t *testing.T) {
	path := writeFile(t, "population.csv",
		"Country,Population\nAFG,38041754\nPAK,54045420\n")
	r := New(zap.NewNop())

	table, err := r.ReadTable(&framework.Definition{Name: "population", URL: path, Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Country", "Population"}, table.Headers)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "38041754", table.Rows[0]["Population"])
	assert.Nil(t, table.HXLRow)
}

func TestReadTableCSVWithHXLRow(t *testing.T) {
	path := writeFile(t, "population.csv",
		"Country,Population\n#country+code,#population\nAFG,38041754\n")
	r := New(zap.NewNop())

	table, err := r.ReadTable(&framework.Definition{Name: "population", URL: path, UseHXL: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"Country":    "#country+code",
		"Population": "#population",
	}, table.HXLRow)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "AFG", table.Rows[0]["Country"])
}

func TestReadTableHeaderRowOffset(t *testing.T) {
	path := writeFile(t, "offset.csv",
		"Report,,\nCountry,Population,\nAFG,38041754,\n")
	r := New(zap.NewNop())

	table, err := r.ReadTable(&framework.Definition{Name: "offset", URL: path, Format: "csv", HeaderRow: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"Country", "Population", ""}, table.Headers)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "AFG", table.Rows[0]["Country"])
}

func TestReadTablePadsShortRows(t *testing.T) {
	path := writeFile(t, "short.csv",
		"Country,Population\nAFG\n")
	r := New(zap.NewNop())

	table, err := r.ReadTable(&framework.Definition{Name: "short", URL: path, Format: "csv"})
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "", table.Rows[0]["Population"])
}

func TestReadTableSkipsEmptyRows(t *testing.T) {
	path := writeFile(t, "gaps.csv",
		"Country,Population\n,\nAFG,38041754\n")
	r := New(zap.NewNop())

	table, err := r.ReadTable(&framework.Definition{Name: "gaps", URL: path, Format: "csv"})
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
}

func TestReadTableJSONArray(t *testing.T) {
	path := writeFile(t, "data.json",
		`[{"iso3": "AFG", "population": 38041754}, {"iso3": "PAK", "population": 54045420}]`)
	r := New(zap.NewNop())

	table, err := r.ReadTable(&framework.Definition{Name: "json", URL: path, Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, []string{"iso3", "population"}, table.Headers)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "AFG", table.Rows[0]["iso3"])
}

func TestReadTableJSONWrapped(t *testing.T) {
	path := writeFile(t, "wrapped.json",
		`{"meta": "x", "data": [{"iso3": "AFG"}]}`)
	r := New(zap.NewNop())

	table, err := r.ReadTable(&framework.Definition{Name: "wrapped", URL: path, Format: "json"})
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
	assert.Equal(t, "AFG", table.Rows[0]["iso3"])
}

func TestReadTableOverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("Country,Population\nAFG,38041754\n"))
	}))
	defer server.Close()

	r := New(zap.NewNop(), WithUserAgent("harvester-test"))
	table, err := r.ReadTable(&framework.Definition{Name: "remote", URL: server.URL, Format: "csv"})
	require.NoError(t, err)
	require.Len(t, table.Rows, 1)
}

func TestReadTableHTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	r := New(zap.NewNop())
	_, err := r.ReadTable(&framework.Definition{Name: "remote", URL: server.URL, Format: "csv"})
	assert.Error(t, err)
}

func TestReadTableUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "data.bin", "junk")
	r := New(zap.NewNop())
	_, err := r.ReadTable(&framework.Definition{Name: "bin", URL: path, Format: "parquet"})
	assert.Error(t, err)
}

func TestReadTableMissingFile(t *testing.T) {
	r := New(zap.NewNop())
	_, err := r.ReadTable(&framework.Definition{Name: "missing", URL: filepath.Join(t.TempDir(), "missing.csv")})
	assert.Error(t, err)
}

func TestReadAllowList(t *testing.T) {
	path := writeFile(t, "allowed.csv",
		"ISO3,Accessible\n#country+code,#access+allowed\nAFG,yes\nPAK,\n")
	r := New(zap.NewNop())

	allow, err := r.ReadAllowList(&framework.ExternalFilter{
		URL:     path,
		HXLTags: []string{"#access+allowed"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"#access+allowed": {"AFG"}}, allow)
}

func TestReadAllowListRequiresCountryColumn(t *testing.T) {
	path := writeFile(t, "allowed.csv",
		"Name,Accessible\n#org+name,#access+allowed\nAlpha,yes\n")
	r := New(zap.NewNop())

	_, err := r.ReadAllowList(&framework.ExternalFilter{
		URL:     path,
		HXLTags: []string{"#access+allowed"},
	}, true)
	assert.Error(t, err)
}
