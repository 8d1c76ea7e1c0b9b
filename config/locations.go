package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const wildcardEmail = "*"

// LocationRule is the location assumed for an organiser's meetings until the
// invite's own location text has been geocoded.
type LocationRule struct {
	Email     string  `yaml:"email"`
	Location  string  `yaml:"location"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type LocationDefaults struct {
	byEmail  map[string]LocationRule
	fallback LocationRule
}

var builtinFallback = LocationRule{
	Email:     wildcardEmail,
	Location:  "QUT Gardens Point, 2 George St, Brisbane QLD 4000",
	Latitude:  -27.477491,
	Longitude: 153.028395,
}

func NewLocationDefaults(rules []LocationRule) *LocationDefaults {
	d := &LocationDefaults{
		byEmail:  make(map[string]LocationRule),
		fallback: builtinFallback,
	}
	for _, r := range rules {
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if email == wildcardEmail {
			d.fallback = r
			continue
		}
		d.byEmail[email] = r
	}
	return d
}

// LoadLocationDefaults reads the rules file. An empty path yields the built-in fallback only.
func LoadLocationDefaults(path string) (*LocationDefaults, error) {
	if path == "" {
		return NewLocationDefaults(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read default locations %s: %w", path, err)
	}
	var file struct {
		Locations []LocationRule `yaml:"locations"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse default locations %s: %w", path, err)
	}
	for _, r := range file.Locations {
		if r.Email == "" {
			return nil, fmt.Errorf("default location %q has no email", r.Location)
		}
		if r.Latitude < -90 || r.Latitude > 90 || r.Longitude < -180 || r.Longitude > 180 {
			return nil, fmt.Errorf("default location for %s has out of range coordinates", r.Email)
		}
	}
	return NewLocationDefaults(file.Locations), nil
}

// For returns the rule for the organiser, or the wildcard rule.
func (d *LocationDefaults) For(email string) LocationRule {
	if r, ok := d.byEmail[strings.ToLower(strings.TrimSpace(email))]; ok {
		return r
	}
	return d.fallback
}
