package service

import (
	"context"
	"io"

	vo "ikedadada/go-onion/internal/domain/value_object"
)

// TransportService is the injected network collaborator: it turns an
// endpoint into a byte-oriented duplex channel to the first hop. The core
// performs no raw socket I/O beyond cell-sized reads and writes on the
// returned channel.
type TransportService interface {
	Dial(ctx context.Context, ep vo.Endpoint) (io.ReadWriteCloser, error)
}
