package framework

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/relieftools/harvester/internal/gazetteer"
)

// testToday pins the reference date all framework tests run against.
var testToday = time.Date(2020, 10, 1, 0, 0, 0, 0, time.UTC)

// fakeReader serves a canned table instead of fetching one.
type fakeReader struct {
	table     *Table
	err       error
	allowList map[string][]string
	allowErr  error
	reads     int
}

func (f *fakeReader) ReadTable(def *Definition) (*Table, error) {
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	return f.table, nil
}

func (f *fakeReader) ReadAllowList(filter *ExternalFilter, useHXL bool) (map[string][]string, error) {
	if f.allowErr != nil {
		return nil, f.allowErr
	}
	return f.allowList, nil
}

var errFetch = errors.New("fetch failed")

func testGazetteer() *gazetteer.Gazetteer {
	countries := []gazetteer.Country{
		{ISO3: "AFG", Name: "Afghanistan", Aliases: []string{"Islamic Republic of Afghanistan"}},
		{ISO3: "PAK", Name: "Pakistan"},
	}
	admins := []gazetteer.AdminUnit{
		{PCode: "AF01", Name: "Kabul", CountryISO3: "AFG"},
		{PCode: "AF09", Name: "Baghlan", CountryISO3: "AFG"},
		{PCode: "PK01", Name: "Punjab", CountryISO3: "PAK"},
	}
	return gazetteer.New(countries, admins, zap.NewNop())
}

// defFromYAML decodes a definition the way harvest configuration does.
func defFromYAML(t *testing.T, name, text string) *Definition {
	t.Helper()
	def := &Definition{}
	if err := yaml.Unmarshal([]byte(text), def); err != nil {
		t.Fatalf("decode definition: %v", err)
	}
	def.Name = name
	return def
}
