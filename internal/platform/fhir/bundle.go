package fhir

import (
	"encoding/json"
	"fmt"
)

// BundleTypeCollection is the only bundle type this codec writes.
const BundleTypeCollection = "collection"

// Bundle represents a FHIR Bundle resource. Timestamp stays a string so
// partial or zone-less instants from other systems survive decoding.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NewCollectionBundle wraps already-marshalled resources in a collection
// Bundle with total set to the entry count.
func NewCollectionBundle(id, timestamp string, resources ...any) (*Bundle, error) {
	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("fhir: marshal %T: %w", r, err)
		}
		entries = append(entries, BundleEntry{Resource: raw})
	}
	total := len(entries)
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Timestamp:    timestamp,
		Type:         BundleTypeCollection,
		Total:        &total,
		Entry:        entries,
	}, nil
}
