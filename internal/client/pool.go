package client

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/transfer"
)

// Pool spreads requests over several connections that share one server
// session. The first connection logs in; the others resume its session,
// so streams and write locks opened on one are usable on all. All
// connections share one token box, so a rotated token reaches every one.
type Pool struct {
	clients []*Client
	next    atomic.Uint32
}

// NewPool creates size clients with the same options.
func NewPool(opts Options, size int) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{}
	for i := 0; i < size; i++ {
		c, err := New(opts)
		if err != nil {
			return nil, err
		}
		if len(p.clients) > 0 {
			c.tokens = p.clients[0].tokens
		}
		p.clients = append(p.clients, c)
	}
	return p, nil
}

// Primary returns the connection that owns the session login.
func (p *Pool) Primary() *Client { return p.clients[0] }

// Size returns the number of connections.
func (p *Pool) Size() int { return len(p.clients) }

// Connect logs in on the primary connection. The others connect on
// first use.
func (p *Pool) Connect(ctx context.Context) error {
	return p.clients[0].Connect(ctx)
}

func (p *Pool) pick() *Client {
	return p.clients[int(p.next.Add(1)-1)%len(p.clients)]
}

// Close closes every connection.
func (p *Pool) Close() error {
	var errs []error
	for _, c := range p.clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (p *Pool) List(ctx context.Context, path string) ([]protocol.DirEntry, error) {
	return p.pick().List(ctx, path)
}

func (p *Pool) Download(ctx context.Context, path string, offset int64, length int32) (int64, []byte, error) {
	return p.pick().Download(ctx, path, offset, length)
}

func (p *Pool) Upload(ctx context.Context, path string, offset int64, data []byte, truncate bool) error {
	return p.pick().Upload(ctx, path, offset, data, truncate)
}

func (p *Pool) OpenDownloadStream(ctx context.Context, path string) (transfer.StreamInfo, error) {
	return p.pick().OpenDownloadStream(ctx, path)
}

func (p *Pool) DownloadBlock(ctx context.Context, stream, block int32) ([]byte, error) {
	return p.pick().DownloadBlock(ctx, stream, block)
}

func (p *Pool) OpenUploadStream(ctx context.Context, path string, length int64) (transfer.StreamInfo, error) {
	return p.pick().OpenUploadStream(ctx, path, length)
}

func (p *Pool) UploadBlock(ctx context.Context, stream, block int32, data []byte) error {
	return p.pick().UploadBlock(ctx, stream, block, data)
}

func (p *Pool) Release(ctx context.Context, path string, write bool) error {
	return p.pick().Release(ctx, path, write)
}

var _ transfer.Remote = (*Pool)(nil)
