package migration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Lookup maps a filter id and a display name to the value's slug. It is
// read from the filters section of a site configuration.
type Lookup struct {
	byFilter map[string]map[string]string
}

type lookupDoc struct {
	Filters struct {
		Bouquets struct {
			Items []struct {
				ID     string `yaml:"id"`
				Values []struct {
					ID   string `yaml:"id"`
					Name string `yaml:"name"`
				} `yaml:"values"`
			} `yaml:"items"`
		} `yaml:"bouquets"`
	} `yaml:"filters"`
}

// ParseLookup builds a Lookup from a YAML document.
func ParseLookup(data []byte) (*Lookup, error) {
	var doc lookupDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid lookup yaml: %w", err)
	}
	l := &Lookup{byFilter: map[string]map[string]string{}}
	for _, item := range doc.Filters.Bouquets.Items {
		values := l.byFilter[item.ID]
		if values == nil {
			values = map[string]string{}
			l.byFilter[item.ID] = values
		}
		for _, v := range item.Values {
			values[v.Name] = v.ID
		}
	}
	if len(l.byFilter) == 0 {
		return nil, fmt.Errorf("lookup has no filters.bouquets.items")
	}
	return l, nil
}

// LoadLookup reads a Lookup from path.
func LoadLookup(path string) (*Lookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseLookup(data)
}

// Find returns the slug of name within filter.
func (l *Lookup) Find(filter, name string) (string, bool) {
	s, ok := l.byFilter[filter][name]
	return s, ok
}
