// Package template binds files to the header layout recorded for their
// (platform, domain, granularity, sub-domain) combination.
package template

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

type Matcher interface {
	// FindBest returns nil, nil when no published template fits.
	FindBest(ctx context.Context, platform, domain, granularity, subDomain string) (*models.Template, error)
	DetectHeaderChanges(ctx context.Context, templateID int64, current []string) (models.HeaderChanges, error)
}

const catalogSchema = `{
	"type": "object",
	"required": ["templates"],
	"properties": {
		"templates": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "platform", "domain"],
				"properties": {
					"id": {"type": "integer", "minimum": 1},
					"name": {"type": "string"},
					"version": {"type": "integer", "minimum": 0},
					"status": {"enum": ["draft", "published", "archived"]},
					"platform": {"type": "string", "minLength": 1},
					"domain": {"type": "string", "minLength": 1},
					"granularity": {"type": "string"},
					"sub_domain": {"type": "string"},
					"header_row": {"type": "integer", "minimum": 0},
					"header_columns": {"type": "array", "items": {"type": "string"}},
					"deduplication_fields": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(catalogSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("catalog.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("catalog.json")
	})
	return schema, schemaErr
}

type catalogFile struct {
	Templates []models.Template `yaml:"templates"`
}

// Catalog is an in-memory template set loaded from a YAML file.
type Catalog struct {
	mu        sync.RWMutex
	templates []models.Template
	byID      map[int64]models.Template
	logger    logrus.FieldLogger
}

func NewCatalog(templates []models.Template, logger logrus.FieldLogger) *Catalog {
	c := &Catalog{logger: logger}
	c.replace(templates)
	return c
}

// LoadCatalog reads and validates a template file.
func LoadCatalog(path string, logger logrus.FieldLogger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog %s: %w", path, err)
	}
	templates, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("invalid template catalog %s: %w", path, err)
	}
	logger.WithFields(logrus.Fields{"path": path, "templates": len(templates)}).Info("Template catalog loaded")
	return NewCatalog(templates, logger), nil
}

func ParseCatalog(data []byte) ([]models.Template, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("error decoding yaml: %w", err)
	}

	// round trip through JSON so the validator sees plain JSON values
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("error converting catalog to json: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return nil, err
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("error compiling catalog schema: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, err
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("error decoding templates: %w", err)
	}

	seen := make(map[int64]bool, len(file.Templates))
	for _, t := range file.Templates {
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate template id %d", t.ID)
		}
		seen[t.ID] = true
	}
	return file.Templates, nil
}

// Reload swaps the template set in place, keeping the old one on error.
func (c *Catalog) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read template catalog %s: %w", path, err)
	}
	templates, err := ParseCatalog(data)
	if err != nil {
		return fmt.Errorf("invalid template catalog %s: %w", path, err)
	}
	c.replace(templates)
	return nil
}

func (c *Catalog) replace(templates []models.Template) {
	byID := make(map[int64]models.Template, len(templates))
	for _, t := range templates {
		if t.Status == "" {
			t.Status = models.TemplatePublished
		}
		byID[t.ID] = t
	}
	list := make([]models.Template, 0, len(byID))
	for _, t := range byID {
		list = append(list, t)
	}
	// newest version first, id as tie breaker to keep lookups stable
	sort.Slice(list, func(i, j int) bool {
		if list[i].Version != list[j].Version {
			return list[i].Version > list[j].Version
		}
		return list[i].ID > list[j].ID
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates = list
	c.byID = byID
}

// FindBest tries an exact match first, then ignores the sub-domain. Services
// files that name a sub-domain never fall back, their layouts differ entirely.
// Granularity is never relaxed.
func (c *Catalog) FindBest(ctx context.Context, platform, domain, granularity, subDomain string) (*models.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	granularity = strings.TrimSpace(granularity)
	subDomain = strings.TrimSpace(subDomain)

	c.mu.RLock()
	defer c.mu.RUnlock()

	match := func(checkSub bool) *models.Template {
		for i := range c.templates {
			t := c.templates[i]
			if t.Status != models.TemplatePublished || t.PlatformCode != platform || t.DataDomain != domain {
				continue
			}
			if strings.TrimSpace(t.Granularity) != granularity {
				continue
			}
			if checkSub && subDomain != "" && strings.TrimSpace(t.SubDomain) != subDomain {
				continue
			}
			return &t
		}
		return nil
	}

	if t := match(true); t != nil {
		c.logger.WithFields(logrus.Fields{"template": t.Name, "version": t.Version}).Debug("Template matched exactly")
		return t, nil
	}

	isServices := strings.EqualFold(domain, models.DomainServices)
	if subDomain != "" && !isServices {
		if t := match(false); t != nil {
			c.logger.WithFields(logrus.Fields{"template": t.Name, "version": t.Version}).Debug("Template matched ignoring sub-domain")
			return t, nil
		}
	}

	c.logger.WithFields(logrus.Fields{
		"platform":    platform,
		"domain":      domain,
		"granularity": granularity,
		"sub_domain":  subDomain,
	}).Info("No template found")
	return nil, nil
}

func (c *Catalog) Get(id int64) (models.Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[id]
	return t, ok
}
