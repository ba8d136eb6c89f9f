package main

import (
	"fmt"
	"os"

	"github.com/andyleap/skyid/internal/models"
	"gopkg.in/yaml.v3"
)

type clientsFile struct {
	Clients []*models.Client `yaml:"clients"`
}

// loadClients reads statically registered clients. An empty path yields none.
// Secrets must be at least 64 characters, such as the output of
// `openssl rand -hex 32`. Omit client_secret to have one generated.
//
//	clients:
//	  - client_id: demo-app
//	    client_secret: 3f9c2a7e5b1d4c8f0a6e2b9d7c5a3f1e8b4d6c2a0f9e7d5b3c1a8f6e4d2b0c9a
//	    display_name: Demo
//	    redirect_uri: https://ex.com/cb
func loadClients(path string) ([]*models.Client, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read clients file: %w", err)
	}

	var file clientsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse clients file: %w", err)
	}

	return file.Clients, nil
}
