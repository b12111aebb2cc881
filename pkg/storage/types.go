package storage

import "time"

// Catalog is a saved catalog root.
type Catalog struct {
	Name      string    `json:"name" yaml:"name"`
	URL       string    `json:"url" yaml:"url"`
	Version   string    `json:"version" yaml:"version"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// Entry is a harvested publication as tracked between harvests.
type Entry struct {
	Catalog      string `json:"catalog"`
	Key          string `json:"key"`
	Title        string `json:"title"`
	Author       string `json:"author,omitempty"`
	DownloadURL  string `json:"downloadUrl"`
	Format       string `json:"format,omitempty"`
	MediaType    string `json:"mediaType,omitempty"`
	IsOpenAccess bool   `json:"isOpenAccess"`
	Availability string `json:"availability,omitempty"`
	SchemaType   string `json:"schemaType,omitempty"`
}

// Change captures a single change event between two harvests.
type Change struct {
	OccurredAt time.Time `json:"occurredAt"`
	Catalog    string    `json:"catalog"`
	Key        string    `json:"key"`
	Title      string    `json:"title"`
	ChangeType string    `json:"changeType"` // added | updated | removed
}

// CatalogStats summarizes the harvested entries of one catalog.
type CatalogStats struct {
	Catalog         string `json:"catalog"`
	EntryCount      int    `json:"entryCount"`
	OpenAccessCount int    `json:"openAccessCount"`
}
