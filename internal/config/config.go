package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models reportline.yml.
type Config struct {
	Catalog struct {
		Ministries []MinistryEntry `yaml:"ministries"`
		Lines      []LineEntry     `yaml:"commitment_lines"`
		Indicators []IndicatorEntry `yaml:"indicators"`
	} `yaml:"catalog"`
	Review struct {
		// ClearNotesOnResubmit controls reviewer-note handling when an
		// observed submission is edited and re-submitted:
		// "changed" clears notes only when the payload differs, "always"
		// and "never" do what they say.
		ClearNotesOnResubmit string `yaml:"clear_notes_on_resubmit"`
	} `yaml:"review"`
	Sheets struct {
		Endpoint     string `yaml:"endpoint"`
		Spreadsheet  string `yaml:"spreadsheet"`
		MaxTableName int    `yaml:"max_table_name"`
	} `yaml:"sheets"`
	Credentials struct {
		File                string `yaml:"file"`
		TokenURL            string `yaml:"token_url"`
		ClientID            string `yaml:"client_id"`
		ClientSecret        string `yaml:"client_secret"`
		MaxLifetimeDays     int    `yaml:"max_lifetime_days"`
		RotateThresholdDays int    `yaml:"rotate_threshold_days"`
	} `yaml:"credentials"`
	Server struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

type MinistryEntry struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	ShortName string `yaml:"short_name"`
}

type LineEntry struct {
	ID         string `yaml:"id"`
	MinistryID string `yaml:"ministry_id"`
	Title      string `yaml:"title"`
}

type IndicatorEntry struct {
	ID               string `yaml:"id"`
	CommitmentLineID string `yaml:"commitment_line_id"`
	Name             string `yaml:"name"`
	Unit             string `yaml:"unit"`
	Periodicity      string `yaml:"periodicity"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Review.ClearNotesOnResubmit {
	case "", "never", "changed", "always":
	default:
		return fmt.Errorf("review.clear_notes_on_resubmit must be never, changed or always")
	}
	ministries := map[string]bool{}
	for _, m := range c.Catalog.Ministries {
		if m.ID == "" || m.Name == "" {
			return fmt.Errorf("catalog ministry requires id and name")
		}
		if ministries[m.ID] {
			return fmt.Errorf("duplicate ministry id %s", m.ID)
		}
		ministries[m.ID] = true
	}
	lines := map[string]bool{}
	for _, l := range c.Catalog.Lines {
		if l.ID == "" || l.Title == "" {
			return fmt.Errorf("catalog commitment line requires id and title")
		}
		if len(ministries) > 0 && !ministries[l.MinistryID] {
			return fmt.Errorf("commitment line %s references unknown ministry %s", l.ID, l.MinistryID)
		}
		lines[l.ID] = true
	}
	for _, ind := range c.Catalog.Indicators {
		if ind.ID == "" || ind.Name == "" {
			return fmt.Errorf("catalog indicator requires id and name")
		}
		if len(lines) > 0 && !lines[ind.CommitmentLineID] {
			return fmt.Errorf("indicator %s references unknown commitment line %s", ind.ID, ind.CommitmentLineID)
		}
		switch ind.Periodicity {
		case "", "annual", "semiannual", "quarterly", "monthly":
		default:
			return fmt.Errorf("indicator %s has unknown periodicity %s", ind.ID, ind.Periodicity)
		}
	}
	if c.Credentials.MaxLifetimeDays < 0 || c.Credentials.RotateThresholdDays < 0 {
		return fmt.Errorf("credential lifetime settings must not be negative")
	}
	if c.Credentials.RotateThresholdDays > 0 && c.Credentials.MaxLifetimeDays > 0 &&
		c.Credentials.RotateThresholdDays >= c.Credentials.MaxLifetimeDays {
		return fmt.Errorf("credentials.rotate_threshold_days must be below max_lifetime_days")
	}
	return nil
}

// ClearNotesMode returns the effective reviewer-note policy.
func (c *Config) ClearNotesMode() string {
	if c.Review.ClearNotesOnResubmit == "" {
		return "changed"
	}
	return c.Review.ClearNotesOnResubmit
}

// MaxTableName returns the external store's identifier length cap.
func (c *Config) MaxTableName() int {
	if c.Sheets.MaxTableName <= 0 {
		return 100
	}
	return c.Sheets.MaxTableName
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reportline.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `catalog:
  ministries:
    - id: EDU
      name: Ministry of Education
      short_name: Education
    - id: HLT
      name: Ministry of Health
      short_name: Health
  commitment_lines:
    - id: EDU-01
      ministry_id: EDU
      title: School completion
    - id: HLT-01
      ministry_id: HLT
      title: Primary care coverage
  indicators:
    - id: IND1
      commitment_line_id: EDU-01
      name: Secondary completion rate
      unit: "%"
      periodicity: annual
    - id: IND2
      commitment_line_id: HLT-01
      name: Vaccination coverage
      unit: "%"
      periodicity: monthly

review:
  clear_notes_on_resubmit: changed

sheets:
  endpoint: http://localhost:9090
  spreadsheet: compliance
  max_table_name: 100

credentials:
  file: .reportline/credentials.json
  token_url: ""
  client_id: ""
  client_secret: ""
  max_lifetime_days: 180
  rotate_threshold_days: 30

server:
  jwt_secret: ""
  allow_legacy_actor_header: false
`
