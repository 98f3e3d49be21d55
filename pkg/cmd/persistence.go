package cmd

import (
	"strings"

	"github.com/openmined/flowmesh/pkg/persistence"
	"github.com/openmined/flowmesh/pkg/persistence/file"
)

var supportedPersistenceProviders = []string{"file"}

func NewPersistence(databaseURL string) persistence.Persistence {
	switch parsePersistenceProvider(databaseURL) {
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
