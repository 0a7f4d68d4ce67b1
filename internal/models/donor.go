package models

// Donor is an external playlist source that channels are harvested from.
type Donor struct {
	Name      string `yaml:"name" json:"name"`
	URL       string `yaml:"url" json:"url"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	UserAgent string `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
}
