package storage

import (
	"context"

	"github.com/yndnr/keepstore/internal/storage/hoststore"
	"github.com/yndnr/keepstore/internal/telemetry/metric"
)

// instrumentedStore counts host calls by operation and outcome.
type instrumentedStore struct {
	hoststore.Store
	metrics *metric.Registry
}

func instrument(s hoststore.Store, m *metric.Registry) hoststore.Store {
	if m == nil {
		return s
	}
	return &instrumentedStore{Store: s, metrics: m}
}

func (s *instrumentedStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	out, err := s.Store.Get(ctx, keys)
	s.metrics.HostCall("get", err)
	return out, err
}

func (s *instrumentedStore) Set(ctx context.Context, items map[string][]byte) error {
	err := s.Store.Set(ctx, items)
	s.metrics.HostCall("set", err)
	return err
}

func (s *instrumentedStore) Remove(ctx context.Context, keys []string) error {
	err := s.Store.Remove(ctx, keys)
	s.metrics.HostCall("remove", err)
	return err
}

func (s *instrumentedStore) Clear(ctx context.Context) error {
	err := s.Store.Clear(ctx)
	s.metrics.HostCall("clear", err)
	return err
}

func (s *instrumentedStore) BytesInUse(ctx context.Context) (int64, error) {
	n, err := s.Store.BytesInUse(ctx)
	s.metrics.HostCall("bytes_in_use", err)
	return n, err
}
