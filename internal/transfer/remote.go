package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/postalsys/fileferry/internal/protocol"
)

// StreamInfo describes a server-side block stream.
type StreamInfo struct {
	ID        int32
	Length    int64
	BlockSize int32
}

// Remote is the server as seen by the transfer engine.
type Remote interface {
	List(ctx context.Context, path string) ([]protocol.DirEntry, error)
	Download(ctx context.Context, path string, offset int64, length int32) (fileLength int64, data []byte, err error)
	Upload(ctx context.Context, path string, offset int64, data []byte, truncate bool) error
	OpenDownloadStream(ctx context.Context, path string) (StreamInfo, error)
	DownloadBlock(ctx context.Context, stream, block int32) ([]byte, error)
	OpenUploadStream(ctx context.Context, path string, length int64) (StreamInfo, error)
	UploadBlock(ctx context.Context, stream, block int32, data []byte) error
	Release(ctx context.Context, path string, write bool) error
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: unsafe entry name %q", protocol.ErrInvalidRequest, name)
	}
	return nil
}

// QueryRemote builds a download task for remotePath into localDir. A
// directory becomes localDir/<name> with its whole subtree.
func QueryRemote(ctx context.Context, r Remote, remotePath, localDir string) (*Task, error) {
	dir, name := SplitRemote(remotePath)
	if name == "" {
		return nil, fmt.Errorf("%w: empty remote path", protocol.ErrInvalidRequest)
	}
	entries, err := r.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", dir, err)
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		if !e.IsDirectory {
			t := NewTask(Download, localDir, dir)
			t.Root.AddFile(name, e.Length, e.Modified)
			t.queried()
			return t, nil
		}
		local := filepath.Join(localDir, strings.TrimSuffix(name, ":"))
		t := NewTask(Download, local, JoinRemote(dir, name))
		if err := walkRemote(ctx, r, t.RemoteBase, t.Root); err != nil {
			return nil, err
		}
		t.queried()
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, remotePath)
}

func walkRemote(ctx context.Context, r Remote, p string, d *DirNode) error {
	entries, err := r.List(ctx, p)
	if err != nil {
		return fmt.Errorf("list %q: %w", p, err)
	}
	for _, e := range entries {
		if err := validName(e.Name); err != nil {
			return err
		}
		if e.IsDirectory {
			if err := walkRemote(ctx, r, JoinRemote(p, e.Name), d.AddDir(e.Name)); err != nil {
				return err
			}
			continue
		}
		d.AddFile(e.Name, e.Length, e.Modified)
	}
	return nil
}

// QueryLocal builds an upload task for localPath into remoteDir.
// Only regular files are included.
func QueryLocal(localPath, remoteDir string) (*Task, error) {
	localPath = filepath.Clean(localPath)
	fi, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		t := NewTask(Upload, filepath.Dir(localPath), remoteDir)
		t.Root.AddFile(fi.Name(), fi.Size(), fi.ModTime())
		t.queried()
		return t, nil
	}
	t := NewTask(Upload, localPath, JoinRemote(remoteDir, fi.Name()))
	if err := walkLocal(localPath, t.Root); err != nil {
		return nil, err
	}
	t.queried()
	return t, nil
}

func walkLocal(dir string, d *DirNode) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			if err := walkLocal(full, d.AddDir(e.Name())); err != nil {
				return err
			}
		case e.Type().IsRegular():
			info, err := e.Info()
			if err != nil {
				return err
			}
			d.AddFile(e.Name(), info.Size(), info.ModTime())
		}
	}
	return nil
}
