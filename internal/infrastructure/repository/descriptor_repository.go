package repository

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"ikedadada/go-onion/internal/domain/entity"
	"ikedadada/go-onion/internal/domain/repository"
	vo "ikedadada/go-onion/internal/domain/value_object"
)

// descriptorDoc is the wire form of a service descriptor.
type descriptorDoc struct {
	Address     string   `cbor:"address"`
	ServicePub  []byte   `cbor:"service_pub"`
	IntroPoints [][]byte `cbor:"intro_points"`
}

type httpDescriptorRepositoryImpl struct {
	base   string
	client *http.Client
}

// NewHTTPDescriptorRepository fetches descriptors from a directory server at
// base, e.g. http://127.0.0.1:7001.
func NewHTTPDescriptorRepository(base string, timeout time.Duration) repository.DescriptorRepository {
	return &httpDescriptorRepositoryImpl{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *httpDescriptorRepositoryImpl) FindByAddress(ctx context.Context, addr vo.OnionAddr) (*entity.ServiceDescriptor, error) {
	u := fmt.Sprintf("%s/descriptor/%s", r.base, url.PathEscape(addr.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("descriptor fetch %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, repository.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("descriptor fetch %s: status %d", addr, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("descriptor fetch %s: %w", addr, err)
	}
	var doc descriptorDoc
	if err := cbor.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("descriptor decode %s: %w", addr, err)
	}
	return docToDescriptor(&doc)
}

func docToDescriptor(doc *descriptorDoc) (*entity.ServiceDescriptor, error) {
	addr, err := vo.OnionAddrFromString(doc.Address)
	if err != nil {
		return nil, err
	}
	desc := &entity.ServiceDescriptor{Address: addr, ServicePub: doc.ServicePub}
	for _, b := range doc.IntroPoints {
		if len(b) != vo.FingerprintSize {
			return nil, fmt.Errorf("descriptor intro point: %d bytes", len(b))
		}
		var fp vo.Fingerprint
		copy(fp[:], b)
		desc.IntroPoints = append(desc.IntroPoints, fp)
	}
	return desc, nil
}

// MemDescriptorRepository is an in-memory descriptor store for tests and for
// publishing local services.
type MemDescriptorRepository struct {
	mu    sync.RWMutex
	descs map[vo.OnionAddr]*entity.ServiceDescriptor
}

func NewMemDescriptorRepository() *MemDescriptorRepository {
	return &MemDescriptorRepository{descs: make(map[vo.OnionAddr]*entity.ServiceDescriptor)}
}

// Publish stores or replaces a descriptor.
func (r *MemDescriptorRepository) Publish(desc *entity.ServiceDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[desc.Address] = desc
}

func (r *MemDescriptorRepository) FindByAddress(_ context.Context, addr vo.OnionAddr) (*entity.ServiceDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descs[addr]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return desc, nil
}
