// Package protocol implements the fileferry wire format: packet headers,
// the little-endian value codec, request envelopes and message bodies.
package protocol

import "fmt"

// MessageType identifies a message kind. It occupies the Type field of
// the packet header and the tag that leads every encoded body.
type MessageType int32

// Control messages.
const (
	MsgContinue          MessageType = 0x01
	MsgDisconnectRequest MessageType = 0x02
)

// Connection setup.
const (
	MsgKeyExchangeRequest  MessageType = 0x10
	MsgKeyExchangeResponse MessageType = 0x11
	MsgSessionRequest      MessageType = 0x12
	MsgSessionResponse     MessageType = 0x13
	MsgHeartBeatRequest    MessageType = 0x14
	MsgHeartBeatResponse   MessageType = 0x15
)

// File operations.
const (
	MsgDirectoryRequest             MessageType = 0x20
	MsgDirectoryResponse            MessageType = 0x21
	MsgDownloadRequest              MessageType = 0x22
	MsgDownloadResponse             MessageType = 0x23
	MsgUploadRequest                MessageType = 0x24
	MsgUploadResponse               MessageType = 0x25
	MsgReleaseFileRequest           MessageType = 0x26
	MsgReleaseFileResponse          MessageType = 0x27
	MsgDownloadFileStreamIDRequest  MessageType = 0x28
	MsgDownloadFileStreamIDResponse MessageType = 0x29
	MsgDownloadPacketRequest        MessageType = 0x2A
	MsgDownloadPacketResponse       MessageType = 0x2B
	MsgUploadFileStreamIDRequest    MessageType = 0x2C
	MsgUploadFileStreamIDResponse   MessageType = 0x2D
	MsgUploadPacketRequest          MessageType = 0x2E
	MsgUploadPacketResponse         MessageType = 0x2F
	MsgCustomizedPacketRequest      MessageType = 0x30
	MsgCustomizedPacketResponse     MessageType = 0x31
)

// Relay messages. These travel without a request envelope.
const (
	MsgProxyConnectRequest     MessageType = 0x40
	MsgProxyConnectResponse    MessageType = 0x41
	MsgReverseRegisterRequest  MessageType = 0x42
	MsgReverseRegisterResponse MessageType = 0x43
	MsgReversePollRequest      MessageType = 0x44
	MsgReversePollResponse     MessageType = 0x45
	MsgReverseAttachRequest    MessageType = 0x46
)

var messageTypeNames = map[MessageType]string{
	MsgContinue:                     "Continue",
	MsgDisconnectRequest:            "DisconnectRequest",
	MsgKeyExchangeRequest:           "KeyExchangeRequest",
	MsgKeyExchangeResponse:          "KeyExchangeResponse",
	MsgSessionRequest:               "SessionRequest",
	MsgSessionResponse:              "SessionResponse",
	MsgHeartBeatRequest:             "HeartBeatRequest",
	MsgHeartBeatResponse:            "HeartBeatResponse",
	MsgDirectoryRequest:             "DirectoryRequest",
	MsgDirectoryResponse:            "DirectoryResponse",
	MsgDownloadRequest:              "DownloadRequest",
	MsgDownloadResponse:             "DownloadResponse",
	MsgUploadRequest:                "UploadRequest",
	MsgUploadResponse:               "UploadResponse",
	MsgReleaseFileRequest:           "ReleaseFileRequest",
	MsgReleaseFileResponse:          "ReleaseFileResponse",
	MsgDownloadFileStreamIDRequest:  "DownloadFileStreamIdRequest",
	MsgDownloadFileStreamIDResponse: "DownloadFileStreamIdResponse",
	MsgDownloadPacketRequest:        "DownloadPacketRequest",
	MsgDownloadPacketResponse:       "DownloadPacketResponse",
	MsgUploadFileStreamIDRequest:    "UploadFileStreamIdRequest",
	MsgUploadFileStreamIDResponse:   "UploadFileStreamIdResponse",
	MsgUploadPacketRequest:          "UploadPacketRequest",
	MsgUploadPacketResponse:         "UploadPacketResponse",
	MsgCustomizedPacketRequest:      "CustomizedPacketRequest",
	MsgCustomizedPacketResponse:     "CustomizedPacketResponse",
	MsgProxyConnectRequest:          "ProxyConnectRequest",
	MsgProxyConnectResponse:         "ProxyConnectResponse",
	MsgReverseRegisterRequest:       "ReverseRegisterRequest",
	MsgReverseRegisterResponse:      "ReverseRegisterResponse",
	MsgReversePollRequest:           "ReversePollRequest",
	MsgReversePollResponse:          "ReversePollResponse",
	MsgReverseAttachRequest:         "ReverseAttachRequest",
}

// String returns the human-readable name of the message type.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", int32(t))
}

// Known reports whether t is a registered message type.
func (t MessageType) Known() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// IsRequest reports whether t is a request that expects a response.
func (t MessageType) IsRequest() bool {
	_, ok := ResponseType(t)
	return ok
}

// ResponseType returns the response paired with request t.
// Request/response pairs occupy adjacent even/odd tags.
func ResponseType(t MessageType) (MessageType, bool) {
	if t < MsgKeyExchangeRequest || t%2 != 0 || t == MsgReverseAttachRequest {
		return 0, false
	}
	resp := t + 1
	if !resp.Known() || !t.Known() {
		return 0, false
	}
	return resp, true
}

// ResultCode classifies the outcome of a request.
type ResultCode int32

const (
	ResultOK ResultCode = iota
	ResultAuthDenied
	ResultResourceConflict
	ResultNotFound
	ResultIOError
	ResultInvalidRequest
	ResultUnavailable
)

// String returns the name of the result code.
func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "OK"
	case ResultAuthDenied:
		return "AUTH_DENIED"
	case ResultResourceConflict:
		return "RESOURCE_CONFLICT"
	case ResultNotFound:
		return "NOT_FOUND"
	case ResultIOError:
		return "IO_ERROR"
	case ResultInvalidRequest:
		return "INVALID_REQUEST"
	case ResultUnavailable:
		return "UNAVAILABLE"
	default:
		return fmt.Sprintf("RESULT(%d)", int32(c))
	}
}
