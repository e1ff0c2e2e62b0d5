package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"doorline/internal/domain"
)

// Config models doorline.yml.
type Config struct {
	Site struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"site"`
	Checklist []ChecklistPoint `yaml:"checklist"`
	Storage   StorageConfig    `yaml:"storage"`
	Certificate struct {
		Title    string `yaml:"title"`
		FontPath string `yaml:"font_path"`
	} `yaml:"certificate"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// ChecklistPoint is one ordered inspection template point. The checklist
// section is the template store: the session manager reads it, never
// writes it.
type ChecklistPoint struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // fs or s3
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// WebhookConfig is one notification channel. Audience selects which
// transitions are delivered; empty means all.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Audience       []string `yaml:"audience"`
	Transitions    []string `yaml:"transitions"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run dl init", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Site.ID == "" {
		return fmt.Errorf("config.site.id is required")
	}
	if len(c.Checklist) == 0 {
		return fmt.Errorf("config.checklist must contain at least one point")
	}
	seen := map[string]bool{}
	for i, p := range c.Checklist {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("checklist point %d has empty id", i)
		}
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("checklist point %s has empty name", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("checklist point %s duplicated", p.ID)
		}
		seen[p.ID] = true
	}
	switch c.Storage.Backend {
	case "", "fs":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config.storage.backend must be fs or s3, got %q", c.Storage.Backend)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, role := range hook.Audience {
			switch role {
			case domain.RoleInspector, domain.RoleEngineer, domain.RoleAdmin, domain.RoleClient:
			default:
				return fmt.Errorf("webhook %d has unknown audience role %q", i, role)
			}
		}
	}
	return nil
}

// InspectionPoints returns the ordered checklist template.
func (c *Config) InspectionPoints() []domain.InspectionPoint {
	points := make([]domain.InspectionPoint, 0, len(c.Checklist))
	for i, p := range c.Checklist {
		points = append(points, domain.InspectionPoint{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Position:    i,
		})
	}
	return points
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "doorline.yml")
}

// Default returns the default Config struct for a site.
func Default(siteID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, siteID)), &cfg)
	cfg.Site.ID = siteID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(siteID string) string {
	return fmt.Sprintf(defaultTemplate, siteID)
}

const defaultTemplate = `site:
  id: %s
  name: Pressure Door Certification

checklist:
  - id: frame.alignment
    name: Frame alignment
    description: "Frame square and plumb within tolerance"
  - id: seal.integrity
    name: Seal integrity
    description: "Gasket continuous, no visible damage"
  - id: hinge.torque
    name: Hinge torque
    description: "Hinge bolts torqued to drawing value"
  - id: latch.engagement
    name: Latch engagement
    description: "All latch points engage fully"
  - id: weld.visual
    name: Weld visual inspection
    description: "No cracks, porosity or undercut on structural welds"
  - id: pressure.hold
    name: Pressure hold test
    description: "Holds rated pressure for the test interval"

storage:
  backend: fs

certificate:
  title: Pressure Door Certificate of Conformity
`
