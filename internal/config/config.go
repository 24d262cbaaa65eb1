package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ecospheres/internal/schema"
)

// APIKeyEnv is the environment variable holding the platform API key.
const APIKeyEnv = "DATAGOUVFR_API_KEY"

// DefaultRemoteBase hosts the published front-end configurations.
const DefaultRemoteBase = "https://raw.githubusercontent.com/opendatateam/udata-front-kit"

// KnownEnvs are the aliases resolved from the remote configuration.
var KnownEnvs = []string{"demo", "prod"}

var (
	ErrMissingAPIKey  = errors.New("missing env var " + APIKeyEnv)
	ErrUnknownEnv     = errors.New("unknown env or config file")
	ErrUnknownPage    = errors.New("unknown page")
	ErrInvalidBaseURL = errors.New("invalid base_url")
)

// Document models a site's config.yaml. Only the keys read by the tools are
// declared.
type Document struct {
	DataGouvFR struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"datagouvfr"`
	Universe *struct {
		Name    string `yaml:"name"`
		TopicID string `yaml:"topic_id"`
	} `yaml:"universe"`
	Pages map[string]PageConfig `yaml:"pages"`
}

type PageConfig struct {
	UniverseQuery struct {
		Tag string `yaml:"tag"`
	} `yaml:"universe_query"`
	UniverseTopicID string `yaml:"universe_topic_id"`
}

// Universe identifies the topics belonging to an application. It is either
// a PageUniverse or a LegacyUniverse.
type Universe interface {
	Tag() string
	TopicID() string
	universe()
}

// PageUniverse is read from pages.<page>.universe_query.
type PageUniverse struct {
	Page        string
	UniverseTag string
	Topic       string
}

func (u PageUniverse) Tag() string     { return u.UniverseTag }
func (u PageUniverse) TopicID() string { return u.Topic }
func (PageUniverse) universe()         {}

// LegacyUniverse is read from the top-level universe block of older configs.
type LegacyUniverse struct {
	Name  string
	Topic string
}

func (u LegacyUniverse) Tag() string     { return u.Name }
func (u LegacyUniverse) TopicID() string { return u.Topic }
func (LegacyUniverse) universe()         {}

// Environment is a resolved deployment of the platform for one site page.
type Environment struct {
	Name     string
	Site     string
	Page     string
	BaseURL  string
	Universe Universe
}

// Fetcher downloads a remote configuration document.
type Fetcher func(ctx context.Context, url string) ([]byte, error)

type Options struct {
	// RemoteBase overrides DefaultRemoteBase.
	RemoteBase string
	// Fetch overrides the HTTP download of remote documents.
	Fetch Fetcher
}

// Load resolves env for site and page. env is a path to a local config
// document or one of KnownEnvs, which is fetched from the remote repository.
func Load(ctx context.Context, site, env, page string, opts Options) (Environment, error) {
	data, err := read(ctx, site, env, opts)
	if err != nil {
		return Environment{}, err
	}
	doc, err := FromYAML(data)
	if err != nil {
		return Environment{}, err
	}
	return doc.Resolve(site, env, page)
}

func read(ctx context.Context, site, env string, opts Options) ([]byte, error) {
	if info, err := os.Stat(env); err == nil && !info.IsDir() {
		return os.ReadFile(env)
	}
	if !slices.Contains(KnownEnvs, env) {
		return nil, fmt.Errorf("%w %s", ErrUnknownEnv, env)
	}
	base := opts.RemoteBase
	if base == "" {
		base = DefaultRemoteBase
	}
	fetch := opts.Fetch
	if fetch == nil {
		fetch = httpFetch
	}
	data, err := fetch(ctx, RemoteURL(base, site, env))
	if err != nil {
		return nil, fmt.Errorf("fetch config for %s/%s: %w", site, env, err)
	}
	return data, nil
}

// RemoteURL returns the location of a site's published config.
func RemoteURL(base, site, env string) string {
	base = strings.TrimRight(base, "/")
	if site == "ecospheres" {
		return fmt.Sprintf("%s/ecospheres-%s/configs/ecospheres/config.yaml", base, env)
	}
	return fmt.Sprintf("%s/main/configs/%s/config.yaml", base, site)
}

func httpFetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	v, err := schema.Default()
	if err != nil {
		return nil, err
	}
	if err := v.ValidateConfig(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return &doc, nil
}

// FromFile reads a config document from path.
func FromFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Resolve picks the universe variant and checks the base URL against env.
func (d *Document) Resolve(site, env, page string) (Environment, error) {
	baseURL := strings.TrimRight(d.DataGouvFR.BaseURL, "/")
	if env == "demo" && !strings.Contains(baseURL, "demo.data.gouv.fr") {
		return Environment{}, fmt.Errorf("%w for demo env: %s", ErrInvalidBaseURL, baseURL)
	}
	out := Environment{Name: env, Site: site, Page: page, BaseURL: baseURL}
	switch {
	case d.Pages != nil:
		p, ok := d.Pages[page]
		if !ok {
			return Environment{}, fmt.Errorf("%w '%s' for site '%s'", ErrUnknownPage, page, site)
		}
		if p.UniverseQuery.Tag == "" {
			return Environment{}, fmt.Errorf("page '%s' has no universe_query.tag", page)
		}
		out.Universe = PageUniverse{Page: page, UniverseTag: p.UniverseQuery.Tag, Topic: p.UniverseTopicID}
	case d.Universe != nil && d.Universe.Name != "":
		out.Universe = LegacyUniverse{Name: d.Universe.Name, Topic: d.Universe.TopicID}
	default:
		return Environment{}, fmt.Errorf("config defines neither pages nor universe")
	}
	return out, nil
}

// APIKey returns the API key bound in v, failing when it is empty.
func APIKey(v *viper.Viper) (string, error) {
	key := strings.TrimSpace(v.GetString("api-key"))
	if key == "" {
		return "", ErrMissingAPIKey
	}
	return key, nil
}
