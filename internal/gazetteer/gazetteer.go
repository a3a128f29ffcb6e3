// Package gazetteer resolves raw admin-unit names from source data to
// canonical codes: country names to ISO3 codes and admin1 names to pcodes.
package gazetteer

import (
	"strings"

	"github.com/antzucaro/matchr"
	"go.uber.org/zap"
)

// fuzzyThreshold is the minimum Jaro-Winkler similarity on normalised names
// for a fuzzy match to be accepted.
const fuzzyThreshold = 0.9

// Country is one row of the country lookup table.
type Country struct {
	ISO3    string
	Name    string
	Aliases []string
}

// AdminUnit is one subnational unit keyed by pcode.
type AdminUnit struct {
	PCode       string
	Name        string
	CountryISO3 string
	Aliases     []string
}

// Gazetteer holds the country and admin1 lookup tables for a run.
type Gazetteer struct {
	countries []Country
	admins    []AdminUnit
	pcodes    []string
	logger    *zap.Logger
}

// New builds a Gazetteer from lookup tables. The admin slice order is
// significant: fuzzy ties resolve to the earliest entry.
func New(countries []Country, admins []AdminUnit, logger *zap.Logger) *Gazetteer {
	if logger == nil {
		logger = zap.NewNop()
	}
	pcodes := make([]string, len(admins))
	for i, admin := range admins {
		pcodes[i] = admin.PCode
	}
	return &Gazetteer{
		countries: countries,
		admins:    admins,
		pcodes:    pcodes,
		logger:    logger,
	}
}

// PCodes returns all known admin1 pcodes.
func (g *Gazetteer) PCodes() []string {
	return g.pcodes
}

func normalise(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CountryISO3 resolves a raw country name or code to an ISO3 code. The
// boolean reports whether the match was exact. An exact match on code or
// name always wins over a fuzzy match.
func (g *Gazetteer) CountryISO3(name string) (string, bool) {
	needle := normalise(name)
	if needle == "" {
		return "", false
	}
	for _, country := range g.countries {
		if strings.EqualFold(country.ISO3, name) || normalise(country.Name) == needle {
			return country.ISO3, true
		}
		for _, alias := range country.Aliases {
			if normalise(alias) == needle {
				return country.ISO3, true
			}
		}
	}
	bestScore := 0.0
	bestISO3 := ""
	for _, country := range g.countries {
		candidates := append([]string{country.Name}, country.Aliases...)
		for _, candidate := range candidates {
			score := matchr.JaroWinkler(needle, normalise(candidate), false)
			if score > bestScore {
				bestScore = score
				bestISO3 = country.ISO3
			}
		}
	}
	if bestScore >= fuzzyThreshold {
		g.logger.Debug("fuzzy country match",
			zap.String("name", name),
			zap.String("iso3", bestISO3),
			zap.Float64("score", bestScore),
		)
		return bestISO3, false
	}
	return "", false
}

// PCode resolves a raw admin1 name to a pcode within the given country. The
// boolean reports whether the match was exact.
func (g *Gazetteer) PCode(countryISO3, name string) (string, bool) {
	needle := normalise(name)
	if needle == "" {
		return "", false
	}
	for _, admin := range g.admins {
		if admin.CountryISO3 != countryISO3 {
			continue
		}
		if strings.EqualFold(admin.PCode, name) || normalise(admin.Name) == needle {
			return admin.PCode, true
		}
		for _, alias := range admin.Aliases {
			if normalise(alias) == needle {
				return admin.PCode, true
			}
		}
	}
	bestScore := 0.0
	bestPCode := ""
	for _, admin := range g.admins {
		if admin.CountryISO3 != countryISO3 {
			continue
		}
		candidates := append([]string{admin.Name}, admin.Aliases...)
		for _, candidate := range candidates {
			score := matchr.JaroWinkler(needle, normalise(candidate), false)
			if score > bestScore {
				bestScore = score
				bestPCode = admin.PCode
			}
		}
	}
	if bestScore >= fuzzyThreshold {
		g.logger.Debug("fuzzy admin1 match",
			zap.String("country", countryISO3),
			zap.String("name", name),
			zap.String("pcode", bestPCode),
			zap.Float64("score", bestScore),
		)
		return bestPCode, false
	}
	return "", false
}
