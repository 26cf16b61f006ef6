package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Message is a typed message body. Encoded bodies start with the 4-byte tag.
type Message interface {
	Type() MessageType
	marshalBody(b *Buffer)
	unmarshalBody(r *Reader)
}

// Errors carried by non-OK results, matched with errors.Is.
var (
	ErrAuthDenied       = errors.New("access denied")
	ErrResourceConflict = errors.New("resource conflict")
	ErrNotFound         = errors.New("not found")
	ErrIO               = errors.New("i/o error")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnavailable      = errors.New("unavailable")
)

// Result is the outcome carried by every response.
type Result struct {
	Code    ResultCode
	Message string
}

// OK returns a successful result.
func OK() Result { return Result{Code: ResultOK} }

// Failure builds a non-OK result.
func Failure(code ResultCode, format string, args ...any) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (r Result) result() Result { return r }

// Err returns nil for OK results and a *ResultError otherwise.
func (r Result) Err() error {
	if r.Code == ResultOK {
		return nil
	}
	return &ResultError{Code: r.Code, Message: r.Message}
}

func (r Result) marshal(b *Buffer) {
	b.WriteInt32(int32(r.Code))
	b.WriteString(r.Message)
}

func (r *Result) unmarshal(rd *Reader) {
	r.Code = ResultCode(rd.Int32())
	r.Message = rd.String()
}

// ResultOf extracts the result from a response message.
func ResultOf(m Message) (Result, bool) {
	if rm, ok := m.(interface{ result() Result }); ok {
		return rm.result(), true
	}
	return Result{}, false
}

// ResultError is a non-OK result reported by the remote side.
type ResultError struct {
	Code    ResultCode
	Message string
}

func (e *ResultError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error: %s", e.Code)
	}
	return fmt.Sprintf("remote error: %s: %s", e.Code, e.Message)
}

// Unwrap maps the result code onto the package sentinel errors.
func (e *ResultError) Unwrap() error {
	switch e.Code {
	case ResultAuthDenied:
		return ErrAuthDenied
	case ResultResourceConflict:
		return ErrResourceConflict
	case ResultNotFound:
		return ErrNotFound
	case ResultIOError:
		return ErrIO
	case ResultInvalidRequest:
		return ErrInvalidRequest
	case ResultUnavailable:
		return ErrUnavailable
	default:
		return nil
	}
}

// Marshal encodes m as [tag][fields].
func Marshal(m Message) []byte {
	b := NewBuffer(64)
	b.WriteInt32(int32(m.Type()))
	m.marshalBody(b)
	return b.Bytes()
}

// Unmarshal decodes a body produced by Marshal.
func Unmarshal(data []byte) (Message, error) {
	r := NewReader(data)
	tag := MessageType(r.Int32())
	if err := r.Err(); err != nil {
		return nil, err
	}
	return unmarshalTagged(tag, r)
}

func unmarshalTagged(tag MessageType, r *Reader) (Message, error) {
	ctor, ok := messageRegistry[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, tag)
	}
	m := ctor()
	m.unmarshalBody(r)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag, err)
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrInvalidFrame, r.Remaining(), tag)
	}
	return m, nil
}

var messageRegistry = map[MessageType]func() Message{
	MsgKeyExchangeRequest:           func() Message { return &KeyExchangeRequest{} },
	MsgKeyExchangeResponse:          func() Message { return &KeyExchangeResponse{} },
	MsgSessionRequest:               func() Message { return &SessionRequest{} },
	MsgSessionResponse:              func() Message { return &SessionResponse{} },
	MsgHeartBeatRequest:             func() Message { return &HeartBeatRequest{} },
	MsgHeartBeatResponse:            func() Message { return &HeartBeatResponse{} },
	MsgDirectoryRequest:             func() Message { return &DirectoryRequest{} },
	MsgDirectoryResponse:            func() Message { return &DirectoryResponse{} },
	MsgDownloadRequest:              func() Message { return &DownloadRequest{} },
	MsgDownloadResponse:             func() Message { return &DownloadResponse{} },
	MsgUploadRequest:                func() Message { return &UploadRequest{} },
	MsgUploadResponse:               func() Message { return &UploadResponse{} },
	MsgReleaseFileRequest:           func() Message { return &ReleaseFileRequest{} },
	MsgReleaseFileResponse:          func() Message { return &ReleaseFileResponse{} },
	MsgDownloadFileStreamIDRequest:  func() Message { return &DownloadFileStreamIDRequest{} },
	MsgDownloadFileStreamIDResponse: func() Message { return &DownloadFileStreamIDResponse{} },
	MsgDownloadPacketRequest:        func() Message { return &DownloadPacketRequest{} },
	MsgDownloadPacketResponse:       func() Message { return &DownloadPacketResponse{} },
	MsgUploadFileStreamIDRequest:    func() Message { return &UploadFileStreamIDRequest{} },
	MsgUploadFileStreamIDResponse:   func() Message { return &UploadFileStreamIDResponse{} },
	MsgUploadPacketRequest:          func() Message { return &UploadPacketRequest{} },
	MsgUploadPacketResponse:         func() Message { return &UploadPacketResponse{} },
	MsgCustomizedPacketRequest:      func() Message { return &CustomizedPacketRequest{} },
	MsgCustomizedPacketResponse:     func() Message { return &CustomizedPacketResponse{} },
	MsgProxyConnectRequest:          func() Message { return &ProxyConnectRequest{} },
	MsgProxyConnectResponse:         func() Message { return &ProxyConnectResponse{} },
	MsgReverseRegisterRequest:       func() Message { return &ReverseRegisterRequest{} },
	MsgReverseRegisterResponse:      func() Message { return &ReverseRegisterResponse{} },
	MsgReversePollRequest:           func() Message { return &ReversePollRequest{} },
	MsgReversePollResponse:          func() Message { return &ReversePollResponse{} },
	MsgReverseAttachRequest:         func() Message { return &ReverseAttachRequest{} },
}

// NewResponse returns an empty response for request type t carrying res.
func NewResponse(t MessageType, res Result) (Message, bool) {
	rt, ok := ResponseType(t)
	if !ok {
		return nil, false
	}
	m := messageRegistry[rt]()
	if rs, ok := m.(interface{ setResult(Result) }); ok {
		rs.setResult(res)
	}
	return m, true
}

func (r *Result) setResult(res Result) { *r = res }

// ============================================================================
// Connection setup
// ============================================================================

// KeyExchangeRequest carries the client's ephemeral public key.
type KeyExchangeRequest struct {
	PublicKey []byte
	Cipher    string
}

func (*KeyExchangeRequest) Type() MessageType { return MsgKeyExchangeRequest }
func (m *KeyExchangeRequest) marshalBody(b *Buffer) {
	b.WriteBytes(m.PublicKey)
	b.WriteString(m.Cipher)
}
func (m *KeyExchangeRequest) unmarshalBody(r *Reader) {
	m.PublicKey = r.Bytes()
	m.Cipher = r.String()
}

// KeyExchangeResponse carries the server's ephemeral public key.
type KeyExchangeResponse struct {
	Result
	PublicKey []byte
	Cipher    string
}

func (*KeyExchangeResponse) Type() MessageType { return MsgKeyExchangeResponse }
func (m *KeyExchangeResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteBytes(m.PublicKey)
	b.WriteString(m.Cipher)
}
func (m *KeyExchangeResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.PublicKey = r.Bytes()
	m.Cipher = r.String()
}

// SessionToken proves membership in a server session.
type SessionToken struct {
	Index        int32
	Identity     int32
	Verification []byte
}

// MarshalTo implements Record.
func (t SessionToken) MarshalTo(b *Buffer) {
	b.WriteInt32(t.Index)
	b.WriteInt32(t.Identity)
	b.WriteBytes(t.Verification)
}

func (t *SessionToken) unmarshal(r *Reader) {
	t.Index = r.Int32()
	t.Identity = r.Int32()
	t.Verification = r.Bytes()
}

// SessionRequest logs in with credentials or resumes with a token.
type SessionRequest struct {
	Username string
	Password string
	Resume   *SessionToken
}

func (*SessionRequest) Type() MessageType { return MsgSessionRequest }
func (m *SessionRequest) marshalBody(b *Buffer) {
	b.WriteString(m.Username)
	b.WriteString(m.Password)
	b.WriteBool(m.Resume != nil)
	if m.Resume != nil {
		m.Resume.MarshalTo(b)
	}
}
func (m *SessionRequest) unmarshalBody(r *Reader) {
	m.Username = r.String()
	m.Password = r.String()
	if r.Bool() {
		m.Resume = &SessionToken{}
		m.Resume.unmarshal(r)
	}
}

// SessionResponse returns the token for the established session.
type SessionResponse struct {
	Result
	Token SessionToken
}

func (*SessionResponse) Type() MessageType { return MsgSessionResponse }
func (m *SessionResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	m.Token.MarshalTo(b)
}
func (m *SessionResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.Token.unmarshal(r)
}

type HeartBeatRequest struct {
	SentAt time.Time
}

func (*HeartBeatRequest) Type() MessageType        { return MsgHeartBeatRequest }
func (m *HeartBeatRequest) marshalBody(b *Buffer)   { b.WriteTime(m.SentAt) }
func (m *HeartBeatRequest) unmarshalBody(r *Reader) { m.SentAt = r.Time() }

type HeartBeatResponse struct {
	Result
	SentAt     time.Time
	ServerTime time.Time
}

func (*HeartBeatResponse) Type() MessageType { return MsgHeartBeatResponse }
func (m *HeartBeatResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteTime(m.SentAt)
	b.WriteTime(m.ServerTime)
}
func (m *HeartBeatResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.SentAt = r.Time()
	m.ServerTime = r.Time()
}

// ============================================================================
// File operations
// ============================================================================

// DirEntry describes one directory listing entry.
type DirEntry struct {
	Name        string
	IsDirectory bool
	Length      int64
	Modified    time.Time
}

// MarshalTo implements Record.
func (e DirEntry) MarshalTo(b *Buffer) {
	b.WriteString(e.Name)
	b.WriteBool(e.IsDirectory)
	b.WriteInt64(e.Length)
	b.WriteTime(e.Modified)
}

func (e *DirEntry) unmarshal(r *Reader) {
	e.Name = r.String()
	e.IsDirectory = r.Bool()
	e.Length = r.Int64()
	e.Modified = r.Time()
}

type DirectoryRequest struct {
	Path string
}

func (*DirectoryRequest) Type() MessageType        { return MsgDirectoryRequest }
func (m *DirectoryRequest) marshalBody(b *Buffer)   { b.WriteString(m.Path) }
func (m *DirectoryRequest) unmarshalBody(r *Reader) { m.Path = r.String() }

type DirectoryResponse struct {
	Result
	Entries []DirEntry
}

func (*DirectoryResponse) Type() MessageType { return MsgDirectoryResponse }
func (m *DirectoryResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteInt32(int32(len(m.Entries)))
	for _, e := range m.Entries {
		e.MarshalTo(b)
	}
}
func (m *DirectoryResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	// name length + flag + length + ticks
	n := r.Count(4 + 1 + 8 + 8)
	if n > 0 {
		m.Entries = make([]DirEntry, n)
		for i := range m.Entries {
			m.Entries[i].unmarshal(r)
		}
	}
}

// DownloadRequest reads Length bytes at Offset in one round trip.
type DownloadRequest struct {
	Path   string
	Offset int64
	Length int32
}

func (*DownloadRequest) Type() MessageType { return MsgDownloadRequest }
func (m *DownloadRequest) marshalBody(b *Buffer) {
	b.WriteString(m.Path)
	b.WriteInt64(m.Offset)
	b.WriteInt32(m.Length)
}
func (m *DownloadRequest) unmarshalBody(r *Reader) {
	m.Path = r.String()
	m.Offset = r.Int64()
	m.Length = r.Int32()
}

type DownloadResponse struct {
	Result
	FileLength int64
	Data       []byte
}

func (*DownloadResponse) Type() MessageType { return MsgDownloadResponse }
func (m *DownloadResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteInt64(m.FileLength)
	b.WriteBytes(m.Data)
}
func (m *DownloadResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.FileLength = r.Int64()
	m.Data = r.Bytes()
}

// UploadRequest writes Data at Offset. Truncate sets the file length to
// Offset+len(Data) afterwards.
type UploadRequest struct {
	Path     string
	Offset   int64
	Data     []byte
	Truncate bool
}

func (*UploadRequest) Type() MessageType { return MsgUploadRequest }
func (m *UploadRequest) marshalBody(b *Buffer) {
	b.WriteString(m.Path)
	b.WriteInt64(m.Offset)
	b.WriteBytes(m.Data)
	b.WriteBool(m.Truncate)
}
func (m *UploadRequest) unmarshalBody(r *Reader) {
	m.Path = r.String()
	m.Offset = r.Int64()
	m.Data = r.Bytes()
	m.Truncate = r.Bool()
}

type UploadResponse struct {
	Result
	Written int32
}

func (*UploadResponse) Type() MessageType { return MsgUploadResponse }
func (m *UploadResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteInt32(m.Written)
}
func (m *UploadResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.Written = r.Int32()
}

// ReleaseFileRequest drops the session's hold on a file.
type ReleaseFileRequest struct {
	Path   string
	Access int32
}

func (*ReleaseFileRequest) Type() MessageType { return MsgReleaseFileRequest }
func (m *ReleaseFileRequest) marshalBody(b *Buffer) {
	b.WriteString(m.Path)
	b.WriteInt32(m.Access)
}
func (m *ReleaseFileRequest) unmarshalBody(r *Reader) {
	m.Path = r.String()
	m.Access = r.Int32()
}

type ReleaseFileResponse struct {
	Result
}

func (*ReleaseFileResponse) Type() MessageType        { return MsgReleaseFileResponse }
func (m *ReleaseFileResponse) marshalBody(b *Buffer)   { m.Result.marshal(b) }
func (m *ReleaseFileResponse) unmarshalBody(r *Reader) { m.Result.unmarshal(r) }

// DownloadFileStreamIDRequest opens a block stream for reading.
type DownloadFileStreamIDRequest struct {
	Path string
}

func (*DownloadFileStreamIDRequest) Type() MessageType        { return MsgDownloadFileStreamIDRequest }
func (m *DownloadFileStreamIDRequest) marshalBody(b *Buffer)   { b.WriteString(m.Path) }
func (m *DownloadFileStreamIDRequest) unmarshalBody(r *Reader) { m.Path = r.String() }

type DownloadFileStreamIDResponse struct {
	Result
	StreamID   int32
	FileLength int64
	BlockSize  int32
}

func (*DownloadFileStreamIDResponse) Type() MessageType { return MsgDownloadFileStreamIDResponse }
func (m *DownloadFileStreamIDResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteInt32(m.StreamID)
	b.WriteInt64(m.FileLength)
	b.WriteInt32(m.BlockSize)
}
func (m *DownloadFileStreamIDResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.StreamID = r.Int32()
	m.FileLength = r.Int64()
	m.BlockSize = r.Int32()
}

type DownloadPacketRequest struct {
	StreamID   int32
	BlockIndex int32
}

func (*DownloadPacketRequest) Type() MessageType { return MsgDownloadPacketRequest }
func (m *DownloadPacketRequest) marshalBody(b *Buffer) {
	b.WriteInt32(m.StreamID)
	b.WriteInt32(m.BlockIndex)
}
func (m *DownloadPacketRequest) unmarshalBody(r *Reader) {
	m.StreamID = r.Int32()
	m.BlockIndex = r.Int32()
}

type DownloadPacketResponse struct {
	Result
	BlockIndex int32
	Data       []byte
}

func (*DownloadPacketResponse) Type() MessageType { return MsgDownloadPacketResponse }
func (m *DownloadPacketResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteInt32(m.BlockIndex)
	b.WriteBytes(m.Data)
}
func (m *DownloadPacketResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.BlockIndex = r.Int32()
	m.Data = r.Bytes()
}

// UploadFileStreamIDRequest opens a block stream for writing and sizes the
// target file to FileLength.
type UploadFileStreamIDRequest struct {
	Path       string
	FileLength int64
}

func (*UploadFileStreamIDRequest) Type() MessageType { return MsgUploadFileStreamIDRequest }
func (m *UploadFileStreamIDRequest) marshalBody(b *Buffer) {
	b.WriteString(m.Path)
	b.WriteInt64(m.FileLength)
}
func (m *UploadFileStreamIDRequest) unmarshalBody(r *Reader) {
	m.Path = r.String()
	m.FileLength = r.Int64()
}

type UploadFileStreamIDResponse struct {
	Result
	StreamID  int32
	BlockSize int32
}

func (*UploadFileStreamIDResponse) Type() MessageType { return MsgUploadFileStreamIDResponse }
func (m *UploadFileStreamIDResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteInt32(m.StreamID)
	b.WriteInt32(m.BlockSize)
}
func (m *UploadFileStreamIDResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.StreamID = r.Int32()
	m.BlockSize = r.Int32()
}

type UploadPacketRequest struct {
	StreamID   int32
	BlockIndex int32
	Data       []byte
}

func (*UploadPacketRequest) Type() MessageType { return MsgUploadPacketRequest }
func (m *UploadPacketRequest) marshalBody(b *Buffer) {
	b.WriteInt32(m.StreamID)
	b.WriteInt32(m.BlockIndex)
	b.WriteBytes(m.Data)
}
func (m *UploadPacketRequest) unmarshalBody(r *Reader) {
	m.StreamID = r.Int32()
	m.BlockIndex = r.Int32()
	m.Data = r.Bytes()
}

type UploadPacketResponse struct {
	Result
	BlockIndex int32
}

func (*UploadPacketResponse) Type() MessageType { return MsgUploadPacketResponse }
func (m *UploadPacketResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteInt32(m.BlockIndex)
}
func (m *UploadPacketResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.BlockIndex = r.Int32()
}

// CustomizedPacketRequest invokes a named server-side handler.
type CustomizedPacketRequest struct {
	Name    string
	Payload []byte
}

func (*CustomizedPacketRequest) Type() MessageType { return MsgCustomizedPacketRequest }
func (m *CustomizedPacketRequest) marshalBody(b *Buffer) {
	b.WriteString(m.Name)
	b.WriteBytes(m.Payload)
}
func (m *CustomizedPacketRequest) unmarshalBody(r *Reader) {
	m.Name = r.String()
	m.Payload = r.Bytes()
}

type CustomizedPacketResponse struct {
	Result
	Payload []byte
}

func (*CustomizedPacketResponse) Type() MessageType { return MsgCustomizedPacketResponse }
func (m *CustomizedPacketResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteBytes(m.Payload)
}
func (m *CustomizedPacketResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.Payload = r.Bytes()
}

// ============================================================================
// Relay messages
// ============================================================================

// ProxyConnectRequest asks the relay serving hop HopIndex to extend the
// circuit. KeyBytes holds the encoded key exchange request destined for
// the server, or nothing when the circuit is not encrypted.
type ProxyConnectRequest struct {
	Route    ConnectionRoute
	HopIndex int32
	KeyBytes []byte
}

func (*ProxyConnectRequest) Type() MessageType { return MsgProxyConnectRequest }
func (m *ProxyConnectRequest) marshalBody(b *Buffer) {
	m.Route.MarshalTo(b)
	b.WriteInt32(m.HopIndex)
	b.WriteBytes(m.KeyBytes)
}
func (m *ProxyConnectRequest) unmarshalBody(r *Reader) {
	m.Route.unmarshal(r)
	m.HopIndex = r.Int32()
	m.KeyBytes = r.Bytes()
}

type ProxyConnectResponse struct {
	Result
}

func (*ProxyConnectResponse) Type() MessageType        { return MsgProxyConnectResponse }
func (m *ProxyConnectResponse) marshalBody(b *Buffer)   { m.Result.marshal(b) }
func (m *ProxyConnectResponse) unmarshalBody(r *Reader) { m.Result.unmarshal(r) }

// ReverseRegisterRequest announces a hidden node that dials out to the relay.
type ReverseRegisterRequest struct {
	Name string
}

func (*ReverseRegisterRequest) Type() MessageType        { return MsgReverseRegisterRequest }
func (m *ReverseRegisterRequest) marshalBody(b *Buffer)   { b.WriteString(m.Name) }
func (m *ReverseRegisterRequest) unmarshalBody(r *Reader) { m.Name = r.String() }

type ReverseRegisterResponse struct {
	Result
}

func (*ReverseRegisterResponse) Type() MessageType        { return MsgReverseRegisterResponse }
func (m *ReverseRegisterResponse) marshalBody(b *Buffer)   { m.Result.marshal(b) }
func (m *ReverseRegisterResponse) unmarshalBody(r *Reader) { m.Result.unmarshal(r) }

// ReversePollRequest waits for clients queued on a registered name.
type ReversePollRequest struct {
	Name string
}

func (*ReversePollRequest) Type() MessageType        { return MsgReversePollRequest }
func (m *ReversePollRequest) marshalBody(b *Buffer)   { b.WriteString(m.Name) }
func (m *ReversePollRequest) unmarshalBody(r *Reader) { m.Name = r.String() }

type ReversePollResponse struct {
	Result
	Pending int32
}

func (*ReversePollResponse) Type() MessageType { return MsgReversePollResponse }
func (m *ReversePollResponse) marshalBody(b *Buffer) {
	m.Result.marshal(b)
	b.WriteInt32(m.Pending)
}
func (m *ReversePollResponse) unmarshalBody(r *Reader) {
	m.Result.unmarshal(r)
	m.Pending = r.Int32()
}

// ReverseAttachRequest turns the sending connection into the leg serving
// one queued client.
type ReverseAttachRequest struct {
	Name string
}

func (*ReverseAttachRequest) Type() MessageType        { return MsgReverseAttachRequest }
func (m *ReverseAttachRequest) marshalBody(b *Buffer)   { b.WriteString(m.Name) }
func (m *ReverseAttachRequest) unmarshalBody(r *Reader) { m.Name = r.String() }
