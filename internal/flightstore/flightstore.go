// Package flightstore fetches named weight tensors from a remote tensor
// store over Apache Arrow Flight. Each tensor travels as a record batch
// stream whose schema metadata carries the dtype and extents; payload chunks
// arrive in a single binary column and are reassembled in order.
package flightstore

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// TensorData is one fetched tensor: its dtype name, extents, and raw
// payload bytes in the same layout a local weight file would hold.
type TensorData struct {
	Name  string
	DType string
	Dims  []int
	Data  []byte
}

// Client fetches tensors by name.
type Client interface {
	Fetch(ctx context.Context, name string) (*TensorData, error)
	Close() error
}

// FlightClient is the Arrow Flight implementation of Client. The tensor
// name is the ticket.
type FlightClient struct {
	fc      flight.Client
	addr    string
	timeout time.Duration
}

// Dial connects to a Flight tensor store.
func Dial(addr string) (*FlightClient, error) {
	fc, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to tensor store %s: %w", addr, err)
	}
	logger.Log.Info("connected to tensor store", "addr", addr)
	return &FlightClient{fc: fc, addr: addr, timeout: 30 * time.Second}, nil
}

func (c *FlightClient) Close() error {
	return c.fc.Close()
}

// Fetch retrieves one tensor's metadata and payload via DoGet.
func (c *FlightClient) Fetch(ctx context.Context, name string) (*TensorData, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("fetching tensor %q: %w", name, err)
	}

	rr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("reading tensor %q stream: %w", name, err)
	}
	defer rr.Release()

	td := &TensorData{Name: name}
	for rr.Next() {
		rec := rr.Record()
		if td.DType == "" {
			if err := decodeSchemaMeta(rec.Schema(), td); err != nil {
				return nil, fmt.Errorf("tensor %q: %w", name, err)
			}
		}
		appendPayload(rec, td)
	}
	if err := rr.Err(); err != nil {
		return nil, fmt.Errorf("tensor %q stream: %w", name, err)
	}
	if td.DType == "" {
		return nil, fmt.Errorf("tensor %q: empty stream", name)
	}
	return td, nil
}
