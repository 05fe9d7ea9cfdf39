package catalog

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
)

var (
	// ErrModelNotFound is returned for a model id absent from the catalog.
	ErrModelNotFound = errors.New("model not supported")
	// ErrFormatNotSupported is returned when no variant of a model accepts
	// the inbound format.
	ErrFormatNotSupported = errors.New("model not supported for this format")
)

var validate = validator.New()

// Provider is an upstream endpoint.
type Provider struct {
	ID             string            `yaml:"-"`
	API            string            `yaml:"api" validate:"required,url"`
	Format         providers.Format  `yaml:"format" validate:"required,oneof=anthropic openai oa-compat google"`
	APIKey         string            `yaml:"apiKey"`
	APIKeyEnv      string            `yaml:"apiKeyEnv"`
	HeaderMappings map[string]string `yaml:"headerMappings"`
}

// ProviderRef is a weighted reference from a model variant to a provider.
type ProviderRef struct {
	ID       string `yaml:"id" validate:"required"`
	Model    string `yaml:"model"`
	Weight   *int   `yaml:"weight" validate:"omitempty,gte=0"`
	Disabled bool   `yaml:"disabled"`
}

// EffectiveWeight is the number of selection slots the provider gets.
// An unset weight counts as 1.
func (r ProviderRef) EffectiveWeight() int {
	if r.Weight == nil {
		return 1
	}
	return *r.Weight
}

// TrialLimit is a lifetime token budget for one client. An empty client is
// the default budget.
type TrialLimit struct {
	Client string `yaml:"client"`
	Limit  int    `yaml:"limit" validate:"gt=0"`
}

// Trial routes anonymous callers within budget to a dedicated provider.
type Trial struct {
	Provider string       `yaml:"provider" validate:"required"`
	Limits   []TrialLimit `yaml:"limits" validate:"required,min=1,dive"`
}

// LimitFor returns the budget for a client, falling back to the default.
func (t *Trial) LimitFor(client string) int {
	def := 0
	for _, l := range t.Limits {
		if l.Client == "" {
			def = l.Limit
		} else if client != "" && l.Client == client {
			return l.Limit
		}
	}
	return def
}

// Model is one variant of a catalog model. When Format is set the variant
// only serves requests arriving in that format.
type Model struct {
	ID               string           `yaml:"-"`
	Name             string           `yaml:"name"`
	Format           providers.Format `yaml:"format" validate:"omitempty,oneof=anthropic openai oa-compat google"`
	Providers        []ProviderRef    `yaml:"providers" validate:"required,min=1,dive"`
	Cost             Cost             `yaml:"cost"`
	Cost200K         *Cost            `yaml:"cost200K"`
	Trial            *Trial           `yaml:"trial" validate:"omitempty"`
	RateLimit        int              `yaml:"rateLimit" validate:"gte=0"`
	StickyProvider   bool             `yaml:"stickyProvider"`
	BYOKProvider     string           `yaml:"byokProvider"`
	FallbackProvider string           `yaml:"fallbackProvider"`
	AllowAnonymous   bool             `yaml:"allowAnonymous"`
}

// Ref returns the model's reference to a provider id.
func (m *Model) Ref(providerID string) (ProviderRef, bool) {
	for _, r := range m.Providers {
		if r.ID == providerID {
			return r, true
		}
	}
	return ProviderRef{}, false
}

// Variants is the list of variants of one model id. A single mapping in the
// catalog file is read as a one-element list.
type Variants []*Model

// UnmarshalYAML accepts a mapping or a sequence of mappings.
func (v *Variants) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		var m Model
		if err := value.Decode(&m); err != nil {
			return err
		}
		*v = Variants{&m}
		return nil
	case yaml.SequenceNode:
		var list []*Model
		if err := value.Decode(&list); err != nil {
			return err
		}
		*v = list
		return nil
	}
	return fmt.Errorf("line %d: model must be a mapping or a list of mappings", value.Line)
}

// Catalog is the immutable model and provider catalog.
type Catalog struct {
	Providers map[string]*Provider `yaml:"providers"`
	Models    map[string]Variants  `yaml:"models"`
}

// Load reads and validates a catalog file. Provider keys given through
// apiKeyEnv are resolved from the environment.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	for id, p := range c.Providers {
		if p == nil {
			return nil, fmt.Errorf("provider %s: empty definition", id)
		}
		p.ID = id
		if err := validate.Struct(p); err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
	}

	for id, variants := range c.Models {
		if len(variants) == 0 {
			return nil, fmt.Errorf("model %s: no variants", id)
		}
		for _, m := range variants {
			m.ID = id
			if err := validate.Struct(m); err != nil {
				return nil, fmt.Errorf("model %s: %w", id, err)
			}
			// generation-dialect providers cannot be reached through conversion
			if m.Format == providers.FormatGoogle {
				continue
			}
			for _, ref := range m.Providers {
				if p, ok := c.Providers[ref.ID]; ok && p.Format == providers.FormatGoogle {
					return nil, fmt.Errorf("model %s: provider %s speaks %s and needs a %s-only variant", id, ref.ID, p.Format, p.Format)
				}
			}
		}
	}
	return &c, nil
}

// Lookup returns the variant of a model that serves the inbound format. A
// variant restricted to the format wins over an unrestricted one.
func (c *Catalog) Lookup(id string, format providers.Format) (*Model, error) {
	variants, ok := c.Models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	var fallback *Model
	for _, m := range variants {
		if m.Format == format {
			return m, nil
		}
		if m.Format == "" && fallback == nil {
			fallback = m
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("%w: %s (%s)", ErrFormatNotSupported, id, format)
	}
	return fallback, nil
}

// Provider returns a provider by id.
func (c *Catalog) Provider(id string) (*Provider, bool) {
	p, ok := c.Providers[id]
	return p, ok
}
