package target

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Sites maps a city key to the service's site id.
type Sites map[string]int

// DefaultSites is used when CITIES_FILE is unset. Ids must match the
// service's site list; deployments pin them with a CITIES_FILE.
var DefaultSites = Sites{
	"moscow":           1,
	"saint-petersburg": 2,
	"kazan":            3,
	"yekaterinburg":    4,
	"novosibirsk":      5,
	"krasnodar":        6,
	"rostov-on-don":    7,
	"samara":           8,
	"nizhny-novgorod":  9,
}

func (s Sites) Lookup(city string) (int, bool) {
	id, ok := s[city]
	return id, ok
}

func (s Sites) Cities() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// LoadSites reads a YAML mapping of city key to site id. An empty path yields DefaultSites.
func LoadSites(path string) (Sites, error) {
	if path == "" {
		return DefaultSites, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Sites
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("%s: no cities", path)
	}
	for city, id := range s {
		if id <= 0 {
			return nil, fmt.Errorf("%s: city %q has invalid site id %d", path, city, id)
		}
	}
	return s, nil
}
