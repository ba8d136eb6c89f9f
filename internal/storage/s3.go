package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/andyleap/skyid/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Storage struct {
	client *minio.Client
	bucket string
}

func NewS3Storage(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3Storage{
		client: client,
		bucket: bucket,
	}, nil
}

func (s *S3Storage) getJSON(ctx context.Context, key string, v any) error {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get %s from S3: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return nil
}

func (s *S3Storage) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to save %s to S3: %w", key, err)
	}

	return nil
}

func (s *S3Storage) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return true, nil
}

func objectKey(kind, id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid %s id %q", kind, id)
	}
	return kind + "/" + id + ".json", nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *S3Storage) GetUser(ctx context.Context, userID string) (*models.User, error) {
	key, err := objectKey("users", userID)
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := s.getJSON(ctx, key, &user); err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	return &user, nil
}

func (s *S3Storage) SaveUser(ctx context.Context, user *models.User) error {
	key, err := objectKey("users", user.ID)
	if err != nil {
		return err
	}
	return s.putJSON(ctx, key, user)
}

// CreateClient refuses to overwrite an existing object. Client ids are random
// UUIDs, so the stat-then-put window is not a practical collision risk.
func (s *S3Storage) CreateClient(ctx context.Context, client *models.Client) error {
	key, err := objectKey("clients", client.ID)
	if err != nil {
		return err
	}

	exists, err := s.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("client %s: %w", client.ID, ErrAlreadyExists)
	}

	return s.putJSON(ctx, key, client)
}

func (s *S3Storage) GetClient(ctx context.Context, clientID string) (*models.Client, error) {
	key, err := objectKey("clients", clientID)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", clientID, ErrNotFound)
	}

	var client models.Client
	if err := s.getJSON(ctx, key, &client); err != nil {
		return nil, fmt.Errorf("client %s: %w", clientID, err)
	}
	return &client, nil
}

func (s *S3Storage) ListClients(ctx context.Context, ownerID string) ([]*models.Client, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var clients []*models.Client
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: "clients/"}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list clients: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, ".json") {
			continue
		}
		client, err := s.GetClient(ctx, strings.TrimSuffix(path.Base(object.Key), ".json"))
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
