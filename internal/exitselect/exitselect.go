// Package exitselect implements the rank-and-diversify exit chooser from
// spec.md §4.F, grounded field-for-field on original_source
// rustlib/src/exit_selection.rs.
package exitselect

import (
	"encoding/json"
	"math/rand/v2"

	"github.com/obscuratun/tunnelcore/internal/apitypes"
)

// Selector picks which exits are eligible. The four spec.md variants:
// Any, Exit(id), Country(code), City(country, city).
type Selector struct {
	kind    selectorKind
	exitID  string
	country string
	city    string
}

type selectorKind int

const (
	SelectAny selectorKind = iota
	SelectExit
	SelectCountry
	SelectCity
)

func Any() Selector                     { return Selector{kind: SelectAny} }
func Exit(id string) Selector           { return Selector{kind: SelectExit, exitID: id} }
func Country(code string) Selector      { return Selector{kind: SelectCountry, country: code} }
func City(country, city string) Selector { return Selector{kind: SelectCity, country: country, city: city} }

// Matches reports whether candidate satisfies this selector.
func (s Selector) Matches(candidate apitypes.OneExit) bool {
	switch s.kind {
	case SelectAny:
		return true
	case SelectExit:
		return candidate.ID == s.exitID
	case SelectCountry:
		return candidate.CityCode.CountryCode == s.country
	case SelectCity:
		return candidate.CityCode.CountryCode == s.country && candidate.CityCode.CityCode == s.city
	default:
		return false
	}
}

// selectorJSON mirrors the tagged-union shape original_source persists a
// chosen ExitSelector as, so config.Config.LastExitSelector round-trips
// in the same wire format an older or newer client would recognize.
type selectorJSON struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

func (s Selector) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case SelectExit:
		return json.Marshal(selectorJSON{Type: "exit", ID: s.exitID})
	case SelectCountry:
		return json.Marshal(selectorJSON{Type: "country", Country: s.country})
	case SelectCity:
		return json.Marshal(selectorJSON{Type: "city", Country: s.country, City: s.city})
	default:
		return json.Marshal(selectorJSON{Type: "any"})
	}
}

func (s *Selector) UnmarshalJSON(data []byte) error {
	var raw selectorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case "exit":
		*s = Exit(raw.ID)
	case "country":
		*s = Country(raw.Country)
	case "city":
		*s = City(raw.Country, raw.City)
	default:
		*s = Any()
	}
	return nil
}

// Saturation thresholds from spec.md §4.F.
const (
	datacenterThreshold = 2
	cityThreshold       = 4
	countryThreshold    = 6
)

// State tracks adaptive diversity counters across one connect flow. The
// zero value is ready to use.
type State struct {
	selectedExitIDs   map[string]bool
	selectedDatacenters map[uint32]int
	selectedCities      map[apitypes.CityCode]int
	selectedCountries   map[string]int
}

func (s *State) ensure() {
	if s.selectedExitIDs == nil {
		s.selectedExitIDs = map[string]bool{}
		s.selectedDatacenters = map[uint32]int{}
		s.selectedCities = map[apitypes.CityCode]int{}
		s.selectedCountries = map[string]int{}
	}
}

func (s *State) reset() {
	s.selectedExitIDs = nil
	s.selectedDatacenters = nil
	s.selectedCities = nil
	s.selectedCountries = nil
}

func (s *State) excluded(candidate apitypes.OneExit) bool {
	s.ensure()
	if s.selectedExitIDs[candidate.ID] {
		return true
	}
	if s.selectedDatacenters[candidate.DatacenterID] >= datacenterThreshold {
		return true
	}
	if s.selectedCities[candidate.CityCode] >= cityThreshold {
		return true
	}
	if s.selectedCountries[candidate.CityCode.CountryCode] >= countryThreshold {
		return true
	}
	return false
}

// rank computes the tuple spec.md §4.F orders candidates by:
// (relay_prefers_exit, same_city_as_relay, same_country_as_relay, tier, random_tiebreak).
type rankTuple struct {
	preferred  bool
	sameCity   bool
	sameCountry bool
	tier       uint8
	tiebreak   uint32
}

func less(a, b rankTuple) bool {
	if a.preferred != b.preferred {
		return !a.preferred // a < b when a is false and b is true
	}
	if a.sameCity != b.sameCity {
		return !a.sameCity
	}
	if a.sameCountry != b.sameCountry {
		return !a.sameCountry
	}
	if a.tier != b.tier {
		return a.tier < b.tier
	}
	return a.tiebreak < b.tiebreak
}

func rank(candidate apitypes.OneExit, relayCity apitypes.CityCode, relayPreferred []apitypes.RelayPreferredExit) rankTuple {
	preferred := false
	for _, e := range relayPreferred {
		if e.ID == candidate.ID {
			preferred = true
			break
		}
	}
	return rankTuple{
		preferred:   preferred,
		sameCity:    relayCity == candidate.CityCode,
		sameCountry: relayCity.CountryCode == candidate.CityCode.CountryCode,
		tier:        candidate.Tier,
		tiebreak:    rand.Uint32(),
	}
}

// SelectNext filters exits by selector and diversity exclusion, then picks
// the maximum-ranked remaining candidate. On success it increments the
// saturation counters; on exhaustion it clears all adaptive state and
// returns false so the caller fails this connect attempt.
func (s *State) SelectNext(selector Selector, exits []apitypes.OneExit, relay apitypes.OneRelay) (apitypes.OneExit, bool) {
	s.ensure()

	var best apitypes.OneExit
	var bestRank rankTuple
	found := false

	for _, candidate := range exits {
		if !selector.Matches(candidate) {
			continue
		}
		if s.excluded(candidate) {
			continue
		}
		r := rank(candidate, relay.CityCode, relay.PreferredExits)
		if !found || less(bestRank, r) {
			best, bestRank, found = candidate, r, true
		}
	}

	if !found {
		s.reset()
		return apitypes.OneExit{}, false
	}

	s.selectedExitIDs[best.ID] = true
	s.selectedDatacenters[best.DatacenterID]++
	s.selectedCities[best.CityCode]++
	s.selectedCountries[best.CityCode.CountryCode]++
	return best, true
}
