package cliutil

import (
	"github.com/Paintersrp/flume/internal/config"
)

// ManifestDocument bundles a parsed pipeline manifest with the path it was
// loaded from.
type ManifestDocument struct {
	Manifest *config.Manifest
	Source   string
}

// LoadManifestFromFile parses a pipeline manifest and returns its document.
func LoadManifestFromFile(path string) (*ManifestDocument, error) {
	m, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return &ManifestDocument{Manifest: m, Source: path}, nil
}
