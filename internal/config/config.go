package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"wirline/internal/engine/acl"
)

// Config models wirline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Permissions struct {
		Module   string                       `yaml:"module"`
		PoolRole string                       `yaml:"pool_role"`
		Roles    map[string]map[string]Matrix `yaml:"roles"`
	} `yaml:"permissions"`
	Checklists struct {
		Catalog map[string]Checklist `yaml:"catalog"`
	} `yaml:"checklists"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// Matrix is one module's action cells for a role.
type Matrix struct {
	View    bool `yaml:"view"`
	Raise   bool `yaml:"raise"`
	Review  bool `yaml:"review"`
	Approve bool `yaml:"approve"`
}

type Checklist struct {
	Description string          `yaml:"description"`
	Items       []ChecklistItem `yaml:"items"`
}

type ChecklistItem struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
	Critical    bool   `yaml:"critical"`
	Unit        string `yaml:"unit,omitempty"`
	Tolerance   string `yaml:"tolerance,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Module returns the configured module code, defaulting to "WIR".
func (c *Config) Module() string {
	if c.Permissions.Module == "" {
		return "WIR"
	}
	return c.Permissions.Module
}

// PoolRole returns the role whose membership windows form the acting pool.
func (c *Config) PoolRole() string {
	if c.Permissions.PoolRole == "" {
		return "pmc"
	}
	return c.Permissions.PoolRole
}

// BaseMatrix converts a role's configured cells into the resolver shape.
// Returns an empty matrix for unknown roles, which resolves everything false.
func (c *Config) BaseMatrix(role string) acl.BaseMatrix {
	for name, modules := range c.Permissions.Roles {
		if !strings.EqualFold(name, role) {
			continue
		}
		out := acl.BaseMatrix{}
		for mod, m := range modules {
			out[strings.ToLower(mod)] = map[string]bool{
				acl.ActionView:    m.View,
				acl.ActionRaise:   m.Raise,
				acl.ActionReview:  m.Review,
				acl.ActionApprove: m.Approve,
			}
		}
		return out
	}
	return acl.BaseMatrix{}
}

// HasRole reports whether the name matches a configured role.
func (c *Config) HasRole(name string) bool {
	for role := range c.Permissions.Roles {
		if strings.EqualFold(role, name) {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with wirline project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "construction-project" {
		return fmt.Errorf("config.project.kind must be 'construction-project'")
	}
	if len(c.Permissions.Roles) == 0 {
		return fmt.Errorf("config.permissions.roles is required")
	}
	if !c.HasRole(c.PoolRole()) {
		return fmt.Errorf("config.permissions.pool_role %s is not a configured role", c.PoolRole())
	}
	for roleID, modules := range c.Permissions.Roles {
		if roleID == "" {
			return fmt.Errorf("config.permissions.roles contains empty role id")
		}
		if len(modules) == 0 {
			return fmt.Errorf("role %s has no module matrix", roleID)
		}
		for mod := range modules {
			if mod == "" {
				return fmt.Errorf("role %s has empty module code", roleID)
			}
		}
	}
	seen := map[string]string{}
	for checklistID, cl := range c.Checklists.Catalog {
		if checklistID == "" {
			return fmt.Errorf("config.checklists.catalog contains empty checklist id")
		}
		for _, item := range cl.Items {
			if item.ID == "" {
				return fmt.Errorf("checklist %s has item with empty id", checklistID)
			}
			if owner, dup := seen[checklistID+"/"+item.ID]; dup {
				return fmt.Errorf("checklist %s repeats item id %s (first in %s)", checklistID, item.ID, owner)
			}
			seen[checklistID+"/"+item.ID] = checklistID
			if item.Description == "" {
				return fmt.Errorf("checklist %s item %s has empty description", checklistID, item.ID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "wirline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "construction-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: construction-project

permissions:
  module: WIR
  pool_role: pmc
  roles:
    contractor:
      wir:
        view: true
        raise: true
        review: false
        approve: false
    pmc:
      wir:
        view: true
        raise: false
        review: true
        approve: true
    viewer:
      wir:
        view: true
        raise: false
        review: false
        approve: false

checklists:
  catalog:
    concrete.pour:
      description: "Concrete pour inspection"
      items:
        - id: formwork
          description: "Formwork alignment and support"
          required: true
          critical: true
          unit: mm
          tolerance: "+/- 10"
        - id: rebar-cover
          description: "Reinforcement cover"
          required: true
          critical: true
          unit: mm
          tolerance: "+/- 5"
        - id: surface-finish
          description: "Surface finish and curing arrangement"
          required: false
          critical: false
    masonry.blockwork:
      description: "Blockwork inspection"
      items:
        - id: setting-out
          description: "Setting out as per drawing"
          required: true
          critical: true
        - id: mortar-joints
          description: "Mortar joint thickness"
          required: true
          critical: false
          unit: mm
          tolerance: "10 +/- 3"
`
