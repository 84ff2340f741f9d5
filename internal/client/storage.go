package client

import (
	"fmt"

	"github.com/makeasinger/audiogen/internal/config"
)

// NewStorage builds the artifact store selected by cfg.Driver
func NewStorage(cfg *config.StorageConfig) (StorageClient, error) {
	switch cfg.Driver {
	case "r2":
		c, err := NewR2Client(&cfg.R2)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "minio":
		c, err := NewMinioClient(&cfg.Minio)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "memory":
		return NewMemoryStorage(""), nil
	}
	return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
}
