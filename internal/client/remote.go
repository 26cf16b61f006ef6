package client

import (
	"context"
	"fmt"
	"time"

	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/resource"
	"github.com/postalsys/fileferry/internal/transfer"
)

// do sends req and checks that the response has type T.
func do[T protocol.Message](ctx context.Context, c *Client, req protocol.Message) (T, error) {
	var zero T
	m, err := c.Request(ctx, req)
	if err != nil {
		return zero, err
	}
	resp, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected %s", protocol.ErrInvalidRequest, m.Type())
	}
	return resp, nil
}

// Heartbeat measures the round trip to the server.
func (c *Client) Heartbeat(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := do[*protocol.HeartBeatResponse](ctx, c, &protocol.HeartBeatRequest{SentAt: start.UTC()})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// List returns the entries of a remote directory. The empty path lists
// the server's roots.
func (c *Client) List(ctx context.Context, path string) ([]protocol.DirEntry, error) {
	resp, err := do[*protocol.DirectoryResponse](ctx, c, &protocol.DirectoryRequest{Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Download reads up to length bytes at offset.
func (c *Client) Download(ctx context.Context, path string, offset int64, length int32) (int64, []byte, error) {
	resp, err := do[*protocol.DownloadResponse](ctx, c, &protocol.DownloadRequest{Path: path, Offset: offset, Length: length})
	if err != nil {
		return 0, nil, err
	}
	return resp.FileLength, resp.Data, nil
}

// Upload writes data at offset, truncating the file after it when asked.
func (c *Client) Upload(ctx context.Context, path string, offset int64, data []byte, truncate bool) error {
	resp, err := do[*protocol.UploadResponse](ctx, c, &protocol.UploadRequest{Path: path, Offset: offset, Data: data, Truncate: truncate})
	if err != nil {
		return err
	}
	if int(resp.Written) != len(data) {
		return fmt.Errorf("upload %s: wrote %d of %d bytes", path, resp.Written, len(data))
	}
	return nil
}

// OpenDownloadStream opens a block stream for reading path.
func (c *Client) OpenDownloadStream(ctx context.Context, path string) (transfer.StreamInfo, error) {
	resp, err := do[*protocol.DownloadFileStreamIDResponse](ctx, c, &protocol.DownloadFileStreamIDRequest{Path: path})
	if err != nil {
		return transfer.StreamInfo{}, err
	}
	return transfer.StreamInfo{ID: resp.StreamID, Length: resp.FileLength, BlockSize: resp.BlockSize}, nil
}

// DownloadBlock fetches one block of a download stream.
func (c *Client) DownloadBlock(ctx context.Context, stream, block int32) ([]byte, error) {
	resp, err := do[*protocol.DownloadPacketResponse](ctx, c, &protocol.DownloadPacketRequest{StreamID: stream, BlockIndex: block})
	if err != nil {
		return nil, err
	}
	if resp.BlockIndex != block {
		return nil, fmt.Errorf("%w: asked for block %d, got %d", protocol.ErrInvalidRequest, block, resp.BlockIndex)
	}
	return resp.Data, nil
}

// OpenUploadStream opens a block stream for writing length bytes to path.
func (c *Client) OpenUploadStream(ctx context.Context, path string, length int64) (transfer.StreamInfo, error) {
	resp, err := do[*protocol.UploadFileStreamIDResponse](ctx, c, &protocol.UploadFileStreamIDRequest{Path: path, FileLength: length})
	if err != nil {
		return transfer.StreamInfo{}, err
	}
	return transfer.StreamInfo{ID: resp.StreamID, Length: length, BlockSize: resp.BlockSize}, nil
}

// UploadBlock writes one block of an upload stream.
func (c *Client) UploadBlock(ctx context.Context, stream, block int32, data []byte) error {
	_, err := do[*protocol.UploadPacketResponse](ctx, c, &protocol.UploadPacketRequest{StreamID: stream, BlockIndex: block, Data: data})
	return err
}

// Release drops the session's hold on path.
func (c *Client) Release(ctx context.Context, path string, write bool) error {
	access := resource.AccessRead
	if write {
		access = resource.AccessWrite
	}
	_, err := do[*protocol.ReleaseFileResponse](ctx, c, &protocol.ReleaseFileRequest{Path: path, Access: int32(access)})
	return err
}

// Custom invokes a named server-side handler.
func (c *Client) Custom(ctx context.Context, name string, payload []byte) ([]byte, error) {
	resp, err := do[*protocol.CustomizedPacketResponse](ctx, c, &protocol.CustomizedPacketRequest{Name: name, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

var _ transfer.Remote = (*Client)(nil)
