package flightstore

import (
	"context"
	"fmt"
	"sync/atomic"
)

// MockClient serves tensors from memory for tests and offline runs. Fetches
// round-trip through the record encoding so the wire codec is exercised even
// without a server.
type MockClient struct {
	tensors map[string]*TensorData

	// FailOn, when non-empty, makes fetches of that tensor fail.
	FailOn string

	fetches atomic.Int64
	closed  atomic.Bool
}

// NewMockClient copies the given tensors into a new mock.
func NewMockClient(tensors []*TensorData) *MockClient {
	m := &MockClient{tensors: make(map[string]*TensorData, len(tensors))}
	for _, td := range tensors {
		m.tensors[td.Name] = td
	}
	return m
}

func (m *MockClient) Fetch(ctx context.Context, name string) (*TensorData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.closed.Load() {
		return nil, fmt.Errorf("fetch %q on closed client", name)
	}
	if name == m.FailOn {
		return nil, fmt.Errorf("tensor %q unavailable", name)
	}
	src, ok := m.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not found", name)
	}
	m.fetches.Add(1)

	rec := EncodeRecord(src)
	defer rec.Release()

	td := &TensorData{Name: name}
	if err := decodeSchemaMeta(rec.Schema(), td); err != nil {
		return nil, err
	}
	appendPayload(rec, td)
	return td, nil
}

func (m *MockClient) Close() error {
	m.closed.Store(true)
	return nil
}

// Fetches reports how many successful fetches the mock served.
func (m *MockClient) Fetches() int64 { return m.fetches.Load() }
