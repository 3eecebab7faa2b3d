package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (16 MB).
	MaxFrameSize = 16 * 1024 * 1024
	// DefaultConnectionTimeout bounds dial/hello duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
)

const (
	TypeHello = "hello"
	TypePing  = "ping"
	TypePong  = "pong"

	TypeFileRequest  = "FILE_REQUEST"
	TypePinAccept    = "PIN_ACCEPT"
	TypePinReject    = "PIN_REJECT"
	TypeFileMeta     = "FILE_META"
	TypeFileChunk    = "FILE_CHUNK"
	TypeFileComplete = "FILE_COMPLETE"
	TypeChunkAck     = "FILE_CHUNK_ACK"
	TypeCompleteAck  = "FILE_COMPLETE_ACK"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Message is one protocol message. Each kind is its own struct carrying only its fields.
type Message interface {
	MessageType() string
}

// Hello names the local device to the remote end right after a connection opens.
type Hello struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Ping is a keep-alive probe.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong answers a Ping.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// FileRequest offers a file. Metadata is an opaque RequestMetadata blob carrying size and PIN.
type FileRequest struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	ChunkCount int    `json:"chunk_count"`
	Metadata   []byte `json:"metadata"`
}

// PinAccept confirms the offer and echoes the PIN the receiving user entered.
type PinAccept struct {
	TransferID string `json:"transfer_id"`
	PIN        string `json:"pin"`
}

// PinReject declines the offer.
type PinReject struct {
	TransferID string `json:"transfer_id"`
}

// FileMeta announces the payload phase. Metadata is an opaque MetaMetadata blob.
type FileMeta struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	ChunkCount int    `json:"chunk_count"`
	Metadata   []byte `json:"metadata"`
}

// FileChunk carries one chunk payload, raw or sealed.
type FileChunk struct {
	TransferID string `json:"transfer_id"`
	Index      int    `json:"index"`
	ChunkCount int    `json:"chunk_count"`
	Data       []byte `json:"data"`
}

// FileComplete marks the end of the chunk stream.
type FileComplete struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
}

// ChunkAck confirms a chunk was persisted by the receiver.
type ChunkAck struct {
	TransferID string `json:"transfer_id"`
	Index      int    `json:"index"`
}

// CompleteAck confirms the receiver has every chunk.
type CompleteAck struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
}

func (Hello) MessageType() string        { return TypeHello }
func (Ping) MessageType() string         { return TypePing }
func (Pong) MessageType() string         { return TypePong }
func (FileRequest) MessageType() string  { return TypeFileRequest }
func (PinAccept) MessageType() string    { return TypePinAccept }
func (PinReject) MessageType() string    { return TypePinReject }
func (FileMeta) MessageType() string     { return TypeFileMeta }
func (FileChunk) MessageType() string    { return TypeFileChunk }
func (FileComplete) MessageType() string { return TypeFileComplete }
func (ChunkAck) MessageType() string     { return TypeChunkAck }
func (CompleteAck) MessageType() string  { return TypeCompleteAck }

// RequestMetadata is the blob embedded in FileRequest.Metadata.
type RequestMetadata struct {
	Size   int64  `json:"size"`
	PIN    string `json:"pin"`
	// Cipher names the chunk cipher suite; empty when chunks travel in the clear.
	Cipher string `json:"cipher,omitempty"`
}

// MetaMetadata is the blob embedded in FileMeta.Metadata.
type MetaMetadata struct {
	// StartedAt is the sender's start anchor in unix milliseconds.
	StartedAt int64 `json:"started_at"`
}

// EncodeMetadata marshals a metadata blob.
func EncodeMetadata(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}

// DecodeRequestMetadata parses FileRequest.Metadata.
func DecodeRequestMetadata(raw []byte) (RequestMetadata, error) {
	var meta RequestMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return RequestMetadata{}, fmt.Errorf("decode request metadata: %w", err)
	}
	return meta, nil
}

// DecodeMetaMetadata parses FileMeta.Metadata.
func DecodeMetaMetadata(raw []byte) (MetaMetadata, error) {
	var meta MetaMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return MetaMetadata{}, fmt.Errorf("decode meta metadata: %w", err)
	}
	return meta, nil
}

type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// EncodeMessage marshals a message into its typed JSON envelope.
func EncodeMessage(message Message) ([]byte, error) {
	if message == nil {
		return nil, ErrInvalidMessageType
	}
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", message.MessageType(), err)
	}
	payload, err := json.Marshal(envelope{Type: message.MessageType(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessage parses an envelope into the concrete message for its type.
func DecodeMessage(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var message Message
	switch env.Type {
	case TypeHello:
		message = &Hello{}
	case TypePing:
		message = &Ping{}
	case TypePong:
		message = &Pong{}
	case TypeFileRequest:
		message = &FileRequest{}
	case TypePinAccept:
		message = &PinAccept{}
	case TypePinReject:
		message = &PinReject{}
	case TypeFileMeta:
		message = &FileMeta{}
	case TypeFileChunk:
		message = &FileChunk{}
	case TypeFileComplete:
		message = &FileComplete{}
	case TypeChunkAck:
		message = &ChunkAck{}
	case TypeCompleteAck:
		message = &CompleteAck{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, env.Type)
	}

	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, message); err != nil {
			return nil, fmt.Errorf("decode %s body: %w", env.Type, err)
		}
	}
	return deref(message), nil
}

// deref returns value variants so handlers can type-switch on plain structs.
func deref(message Message) Message {
	switch m := message.(type) {
	case *Hello:
		return *m
	case *Ping:
		return *m
	case *Pong:
		return *m
	case *FileRequest:
		return *m
	case *PinAccept:
		return *m
	case *PinReject:
		return *m
	case *FileMeta:
		return *m
	case *FileChunk:
		return *m
	case *FileComplete:
		return *m
	case *ChunkAck:
		return *m
	case *CompleteAck:
		return *m
	}
	return message
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// WriteMessageFrame encodes message and writes it as one frame.
func WriteMessageFrame(w io.Writer, message Message) error {
	payload, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessageFrameWithTimeout reads and decodes one frame under an optional read deadline.
func ReadMessageFrameWithTimeout(conn net.Conn, timeout time.Duration) (Message, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	payload, err := ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}
