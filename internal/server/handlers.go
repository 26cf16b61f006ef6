package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/postalsys/fileferry/internal/protocol"
	"github.com/postalsys/fileferry/internal/resource"
	"github.com/postalsys/fileferry/internal/session"
)

func (s *Server) heartbeat(r *protocol.HeartBeatRequest) protocol.Message {
	return &protocol.HeartBeatResponse{Result: protocol.OK(), SentAt: r.SentAt, ServerTime: time.Now().UTC()}
}

func (s *Server) handle(ctx context.Context, sess *session.Session, req protocol.Message) (protocol.Message, error) {
	switch r := req.(type) {
	case *protocol.DirectoryRequest:
		return s.listDirectory(sess, r)
	case *protocol.DownloadRequest:
		return s.download(sess, r)
	case *protocol.UploadRequest:
		return s.upload(sess, r)
	case *protocol.ReleaseFileRequest:
		return s.release(sess, r)
	case *protocol.DownloadFileStreamIDRequest:
		return s.openDownloadStream(sess, r)
	case *protocol.DownloadPacketRequest:
		return s.downloadPacket(sess, r)
	case *protocol.UploadFileStreamIDRequest:
		return s.openUploadStream(sess, r)
	case *protocol.UploadPacketRequest:
		return s.uploadPacket(sess, r)
	case *protocol.CustomizedPacketRequest:
		return s.customPacket(ctx, sess, r)
	default:
		return nil, fmt.Errorf("%w: %s is not served here", protocol.ErrInvalidRequest, req.Type())
	}
}

func (s *Server) listDirectory(sess *session.Session, r *protocol.DirectoryRequest) (protocol.Message, error) {
	if err := sess.Require(session.IdentityQuery); err != nil {
		return nil, err
	}
	entries, err := s.fs.List(r.Path)
	if err != nil {
		return nil, err
	}
	return &protocol.DirectoryResponse{Result: protocol.OK(), Entries: entries}, nil
}

func (s *Server) download(sess *session.Session, r *protocol.DownloadRequest) (protocol.Message, error) {
	if err := sess.Require(session.IdentityReadFile); err != nil {
		return nil, err
	}
	if r.Offset < 0 || r.Length < 0 {
		return nil, fmt.Errorf("%w: negative range", protocol.ErrInvalidRequest)
	}
	local, err := s.fs.Resolve(r.Path)
	if err != nil {
		return nil, err
	}
	res, err := s.resources.Get(local, resource.AccessRead, sess.Index)
	if err != nil {
		return nil, err
	}
	size, err := res.Size()
	if err != nil {
		return nil, err
	}

	n := min(r.Length, s.opts.MaxRangeLength)
	if rest := size - r.Offset; rest < int64(n) {
		n = int32(max(rest, 0))
	}
	buf := make([]byte, n)
	got, err := res.ReadAt(buf, r.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &protocol.DownloadResponse{Result: protocol.OK(), FileLength: size, Data: buf[:got]}, nil
}

func (s *Server) upload(sess *session.Session, r *protocol.UploadRequest) (protocol.Message, error) {
	if err := sess.Require(session.IdentityWriteFile); err != nil {
		return nil, err
	}
	if r.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", protocol.ErrInvalidRequest)
	}
	local, err := s.fs.Resolve(r.Path)
	if err != nil {
		return nil, err
	}
	res, err := s.resources.Get(local, resource.AccessWrite, sess.Index)
	if err != nil {
		return nil, err
	}
	n, err := res.WriteAt(r.Data, r.Offset)
	if err != nil {
		return nil, err
	}
	if r.Truncate {
		if err := res.Truncate(r.Offset + int64(n)); err != nil {
			return nil, err
		}
	}
	return &protocol.UploadResponse{Result: protocol.OK(), Written: int32(n)}, nil
}

func (s *Server) release(sess *session.Session, r *protocol.ReleaseFileRequest) (protocol.Message, error) {
	access := resource.Access(r.Access)
	if access != resource.AccessRead && access != resource.AccessWrite {
		return nil, fmt.Errorf("%w: access %d", protocol.ErrInvalidRequest, r.Access)
	}
	local, err := s.fs.Resolve(r.Path)
	if err != nil {
		return nil, err
	}
	s.streams.dropPath(sess.Index, local)
	if err := s.resources.Release(local, access, sess.Index); err != nil {
		return nil, err
	}
	return &protocol.ReleaseFileResponse{Result: protocol.OK()}, nil
}

func (s *Server) openDownloadStream(sess *session.Session, r *protocol.DownloadFileStreamIDRequest) (protocol.Message, error) {
	if err := sess.Require(session.IdentityReadFile); err != nil {
		return nil, err
	}
	local, err := s.fs.Resolve(r.Path)
	if err != nil {
		return nil, err
	}
	res, err := s.resources.Get(local, resource.AccessRead, sess.Index)
	if err != nil {
		return nil, err
	}
	size, err := res.Size()
	if err != nil {
		return nil, err
	}
	st := s.streams.open(sess.Index, local, res, size, s.opts.BlockSize)
	return &protocol.DownloadFileStreamIDResponse{
		Result:     protocol.OK(),
		StreamID:   st.ID,
		FileLength: size,
		BlockSize:  st.BlockSize,
	}, nil
}

func (s *Server) downloadPacket(sess *session.Session, r *protocol.DownloadPacketRequest) (protocol.Message, error) {
	if err := sess.Require(session.IdentityReadFile); err != nil {
		return nil, err
	}
	st, err := s.streams.get(r.StreamID, sess.Index)
	if err != nil {
		return nil, err
	}
	off, n, err := st.blockRange(r.BlockIndex)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := st.Resource.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if got != n {
		return nil, fmt.Errorf("block %d: read %d of %d bytes: %w", r.BlockIndex, got, n, io.ErrUnexpectedEOF)
	}
	s.metrics.RecordTransferBlock("download", true, n)
	return &protocol.DownloadPacketResponse{Result: protocol.OK(), BlockIndex: r.BlockIndex, Data: buf}, nil
}

func (s *Server) openUploadStream(sess *session.Session, r *protocol.UploadFileStreamIDRequest) (protocol.Message, error) {
	if err := sess.Require(session.IdentityWriteFile); err != nil {
		return nil, err
	}
	if r.FileLength < 0 {
		return nil, fmt.Errorf("%w: negative length", protocol.ErrInvalidRequest)
	}
	local, err := s.fs.Resolve(r.Path)
	if err != nil {
		return nil, err
	}
	res, err := s.resources.Get(local, resource.AccessWrite, sess.Index)
	if err != nil {
		return nil, err
	}
	if err := res.Truncate(r.FileLength); err != nil {
		return nil, err
	}
	st := s.streams.open(sess.Index, local, res, r.FileLength, s.opts.BlockSize)
	return &protocol.UploadFileStreamIDResponse{Result: protocol.OK(), StreamID: st.ID, BlockSize: st.BlockSize}, nil
}

func (s *Server) uploadPacket(sess *session.Session, r *protocol.UploadPacketRequest) (protocol.Message, error) {
	if err := sess.Require(session.IdentityWriteFile); err != nil {
		return nil, err
	}
	st, err := s.streams.get(r.StreamID, sess.Index)
	if err != nil {
		return nil, err
	}
	off, n, err := st.blockRange(r.BlockIndex)
	if err != nil {
		return nil, err
	}
	if len(r.Data) != n {
		return nil, fmt.Errorf("%w: block %d carries %d bytes, want %d", protocol.ErrInvalidRequest, r.BlockIndex, len(r.Data), n)
	}
	if _, err := st.Resource.WriteAt(r.Data, off); err != nil {
		s.metrics.RecordTransferBlock("upload", false, 0)
		return nil, err
	}
	s.metrics.RecordTransferBlock("upload", true, n)
	return &protocol.UploadPacketResponse{Result: protocol.OK(), BlockIndex: r.BlockIndex}, nil
}

func (s *Server) customPacket(ctx context.Context, sess *session.Session, r *protocol.CustomizedPacketRequest) (protocol.Message, error) {
	if err := sess.Require(session.IdentityRemoteRun); err != nil {
		return nil, err
	}
	h, ok := s.custom[r.Name]
	if !ok {
		return nil, fmt.Errorf("%w: no handler named %q", protocol.ErrNotFound, r.Name)
	}
	out, err := h(ctx, sess, r.Payload)
	if err != nil {
		return nil, err
	}
	return &protocol.CustomizedPacketResponse{Result: protocol.OK(), Payload: out}, nil
}
