package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andyleap/skyid/internal/models"
)

type FilesystemStorage struct {
	basePath string
}

func NewFilesystemStorage(basePath string) (*FilesystemStorage, error) {
	for _, dir := range []string{basePath, filepath.Join(basePath, "users"), filepath.Join(basePath, "clients")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create path %s: %w", dir, err)
		}
	}

	return &FilesystemStorage{
		basePath: basePath,
	}, nil
}

func (f *FilesystemStorage) path(kind, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid %s id %q", kind, id)
	}
	return filepath.Join(f.basePath, kind, id+".json"), nil
}

func (f *FilesystemStorage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	userPath, err := f.path("users", userID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(userPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read user file: %w", err)
	}

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &user, nil
}

func (f *FilesystemStorage) SaveUser(ctx context.Context, user *models.User) error {
	userPath, err := f.path("users", user.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	if err := os.WriteFile(userPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write user file: %w", err)
	}

	return nil
}

// CreateClient writes the record with O_EXCL so an existing id is never overwritten.
func (f *FilesystemStorage) CreateClient(ctx context.Context, client *models.Client) error {
	clientPath, err := f.path("clients", client.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(client, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	file, err := os.OpenFile(clientPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("client %s: %w", client.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create client file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write client file: %w", err)
	}

	return nil
}

func (f *FilesystemStorage) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	clientPath, err := f.path("clients", clientID)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}

	data, err := os.ReadFile(clientPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read client file: %w", err)
	}

	var client models.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return &client, nil
}

func (f *FilesystemStorage) ListClients(ctx context.Context, ownerID string) ([]*models.Client, error) {
	entries, err := os.ReadDir(filepath.Join(f.basePath, "clients"))
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	var clients []*models.Client
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		client, err := f.GetClient(ctx, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		if client.OwnerID == ownerID {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].CreatedAt.Before(clients[j].CreatedAt)
	})

	return clients, nil
}
