package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"escalation/internal/config"
	"escalation/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists escalation records in a JetStream KV bucket.
// Params: NATS connection, JetStream context, and KV bucket handle.
// Returns: KV-backed store implementation with native revision CAS.
type NATSStore struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	recordKV nats.KeyValue
}

// NewNATSStore opens (or creates) the record bucket and returns the backend.
// Params: NATS/JetStream settings derived from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	recordKV, err := js.KeyValue(settings.RecordBucket)
	if err != nil {
		if !settings.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open record bucket %q: %w", settings.RecordBucket, err)
		}
		recordKV, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: settings.RecordBucket,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create record bucket %q: %w", settings.RecordBucket, err)
		}
	}

	return &NATSStore{
		nc:       nc,
		js:       js,
		recordKV: recordKV,
	}, nil
}

// Get reads one record and its KV revision.
// Params: record id key.
// Returns: record payload, revision, or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, id string) (domain.Record, uint64, error) {
	entry, err := s.recordKV.Get(encodeKey(id))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.Record{}, 0, ErrNotFound
		}
		return domain.Record{}, 0, fmt.Errorf("get record: %w", err)
	}

	var record domain.Record
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return domain.Record{}, 0, fmt.Errorf("decode record: %w", err)
	}
	return record, entry.Revision(), nil
}

// Put writes one record unconditionally.
// Params: record id key and payload.
// Returns: new KV revision.
func (s *NATSStore) Put(_ context.Context, id string, record domain.Record) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	rev, err := s.recordKV.Put(encodeKey(id), body)
	if err != nil {
		return 0, fmt.Errorf("put record: %w", err)
	}
	return rev, nil
}

// Update replaces one record using expected KV revision CAS.
// Params: record id key, expected revision, and replacement payload.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) Update(_ context.Context, id string, expectedRevision uint64, record domain.Record) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	rev, err := s.recordKV.Update(encodeKey(id), body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update record: %w", err)
	}
	return rev, nil
}

// List reads every stored record from the bucket.
// Params: none.
// Returns: decoded records in key order.
func (s *NATSStore) List(ctx context.Context) ([]domain.Record, error) {
	keys, err := s.recordKV.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	out := make([]domain.Record, 0, len(keys))
	for _, key := range keys {
		entry, err := s.recordKV.Get(key)
		if err != nil {
			if errors.Is(err, nats.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get record %q: %w", key, err)
		}
		var record domain.Record
		if err := json.Unmarshal(entry.Value(), &record); err != nil {
			return nil, fmt.Errorf("decode record %q: %w", key, err)
		}
		out = append(out, record)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// Close closes the underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// encodeKey converts record ids into KV-safe keys.
// Params: record id with "/" separators.
// Returns: dot-separated bucket key.
func encodeKey(id string) string {
	return strings.ReplaceAll(id, "/", ".")
}
