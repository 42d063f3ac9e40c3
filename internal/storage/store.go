package storage

import (
	"context"

	"github.com/dharsanguruparan/CrashVault/internal/crashstore"
	"github.com/dharsanguruparan/CrashVault/internal/model"
)

// StoreStorage is the column-family store backend.
type StoreStorage struct {
	client *crashstore.Client
}

// NewStoreStorage wraps a connected client. The storage owns it from now on.
func NewStoreStorage(client *crashstore.Client) *StoreStorage {
	return &StoreStorage{client: client}
}

// Client exposes the underlying store client for queue operations.
func (s *StoreStorage) Client() *crashstore.Client { return s.client }

func (s *StoreStorage) SaveRaw(ctx context.Context, id string, meta model.Metadata, dump []byte) (Result, error) {
	if _, err := s.client.PutReport(ctx, id, meta, dump); err != nil {
		return Error, err
	}
	return OK, nil
}

func (s *StoreStorage) SaveProcessed(ctx context.Context, id string, result model.ProcessedResult) error {
	return s.client.PutProcessedResult(ctx, id, result)
}

func (s *StoreStorage) GetMeta(ctx context.Context, id string) (model.Metadata, error) {
	return s.client.GetMeta(ctx, id)
}

func (s *StoreStorage) GetDump(ctx context.Context, id string) ([]byte, error) {
	return s.client.GetDump(ctx, id)
}

func (s *StoreStorage) GetProcessed(ctx context.Context, id string) (model.ProcessedResult, error) {
	return s.client.GetProcessedResult(ctx, id)
}

func (s *StoreStorage) Close() error {
	return s.client.Close()
}
