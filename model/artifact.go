package model

import "time"

// Document is one rendered per-message PDF ready for combination.
type Document struct {
	Path      string
	MessageID string
	Subject   string
	Timestamp time.Time
	Index     int
}

// IndexEntry maps a page range of the combined artifact back to its message.
type IndexEntry struct {
	Timestamp time.Time `yaml:"timestamp"`
	MessageID string    `yaml:"message_id"`
	Subject   string    `yaml:"subject,omitempty"`
	Document  string    `yaml:"document"`
	FirstPage int       `yaml:"first_page"`
	LastPage  int       `yaml:"last_page"`
}

// Exclusion records a document that could not be placed in the combined artifact.
type Exclusion struct {
	MessageID string `yaml:"message_id"`
	Document  string `yaml:"document"`
	Cause     string `yaml:"cause"`
}

// CombinedArtifact is the merged chronological PDF plus its traceability index.
type CombinedArtifact struct {
	Path     string       `yaml:"path"`
	Pages    int          `yaml:"pages"`
	Entries  []IndexEntry `yaml:"entries"`
	Excluded []Exclusion  `yaml:"excluded,omitempty"`
}
