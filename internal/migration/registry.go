package migration

import (
	"errors"
	"fmt"
)

// Options carries the command-line knobs shared by registered migrations.
type Options struct {
	Site           string
	Move           bool
	CleanTags      bool
	LookupPath     string
	CategoriesPath string
}

// Migration is a dated, named instance of a policy family.
type Migration struct {
	Name        string
	Description string
	New         func(Options) (Policy, error)
}

var ErrUnknownMigration = errors.New("unknown migration")

// themeRenames is the 2025-05 theme vocabulary change.
var themeRenames = []TagRename{
	{"consommer", "mieux-consommer"},
	{"produire", "mieux-produire"},
	{"preserver", "mieux-preserver-valoriser-ecosystemes"},
	{"se-deplacer", "mieux-se-deplacer"},
	{"se-loger", "mieux-se-loger"},
	{"se-nourrir", "mieux-se-nourrir"},
	{"chantiers-transverses", "autre"},
}

var registry = []Migration{
	{
		Name:        "20240529_1_extras_schema",
		Description: "copy legacy ecospheres:* extras into extras.ecospheres",
		New: func(Options) (Policy, error) {
			return NewConsolidateExtras("ecospheres"), nil
		},
	},
	{
		Name:        "20240529_2_extras_schema",
		Description: "remove legacy ecospheres:* extras once consolidated",
		New: func(Options) (Policy, error) {
			return NewDropLegacyExtras("ecospheres"), nil
		},
	},
	{
		Name:        "20250106_1_themes_as_tags",
		Description: "copy or move ecospheres themes and subthemes to tags",
		New: func(o Options) (Policy, error) {
			p := NewThemesAsTags("ecospheres", "ecospheres")
			p.Move = o.Move
			return p, nil
		},
	},
	{
		Name:        "20250313_1_logistique_themes_as_tags",
		Description: "copy or move logistique themes and subthemes to tags through a lookup",
		New: func(o Options) (Policy, error) {
			if o.LookupPath == "" {
				return nil, fmt.Errorf("--lookup is required")
			}
			lookup, err := LoadLookup(o.LookupPath)
			if err != nil {
				return nil, err
			}
			p := NewThemesAsTags("logistique", "logistique")
			p.Lookup = lookup
			p.Move = o.Move
			p.CleanTags = o.CleanTags
			return p, nil
		},
	},
	{
		Name:        "20250403_1_remove_chantiers",
		Description: "remove chantier tags",
		New: func(Options) (Policy, error) {
			return &RemoveTagPrefix{Prefix: "ecospheres-subtheme"}, nil
		},
	},
	{
		Name:        "20250414_1_defis_themes_as_tags",
		Description: "tag defis topics with their season",
		New: func(o Options) (Policy, error) {
			if o.CategoriesPath == "" {
				return nil, fmt.Errorf("--categories is required")
			}
			c, err := LoadCategories(o.CategoriesPath)
			if err != nil {
				return nil, err
			}
			return &SeasonTags{Namespace: "defis", Categories: c, Move: o.Move}, nil
		},
	},
	{
		Name:        "20250507_1_rename_themes",
		Description: "rename ecospheres theme tags",
		New: func(o Options) (Policy, error) {
			mapping := make([]TagRename, 0, len(themeRenames))
			for _, r := range themeRenames {
				mapping = append(mapping, TagRename{Old: "ecospheres-theme-" + r.Old, New: "ecospheres-theme-" + r.New})
			}
			return &RenameTags{Mapping: mapping, Move: o.Move}, nil
		},
	},
	{
		Name:        "20250528_1_migrate_to_elements",
		Description: "rebuild elements from legacy datasets_properties extras",
		New: func(o Options) (Policy, error) {
			return &ExtrasToElements{Site: o.site(), Move: o.Move}, nil
		},
	},
	{
		Name:        "20250912_1_fix_group_migration",
		Description: "remove null and \"Sans regroupement\" element groups",
		New: func(o Options) (Policy, error) {
			return &NormalizeElementField{Site: o.site(), Field: "group", Triggers: []any{nil, "Sans regroupement"}}, nil
		},
	},
}

func (o Options) site() string {
	if o.Site == "" {
		return "ecospheres"
	}
	return o.Site
}

// Registered returns the known migrations in chronological order.
func Registered() []Migration {
	out := make([]Migration, len(registry))
	copy(out, registry)
	return out
}

// Build instantiates the migration called name.
func Build(name string, opts Options) (Policy, error) {
	for _, m := range registry {
		if m.Name == name {
			return m.New(opts)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMigration, name)
}
