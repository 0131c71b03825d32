// Package rpc defines the black-box upstream message-platform surface the
// gateway depends on: authenticated per-DC sessions, chunked file
// fetches, and the handful of calls needed to resolve a per-client file
// handle. The platform's own client library is an external collaborator
// (spec.md S1); this package only specifies the interface contract and
// ships one concrete, dependency-free transport so the gateway is
// runnable and testable without a real SDK.
package rpc

import (
	"context"
)

// FileType selects how a Location is interpreted by the upstream when
// building a GetFile request.
type FileType int

const (
	FileTypePhoto FileType = iota
	FileTypeDocument
	FileTypeChatPhoto
)

// Location identifies a remote file on a specific DC, in the shape the
// upstream RPC expects it. Exactly which fields are meaningful depends on
// Type.
type Location struct {
	Type          FileType
	DCID          int
	ID            int64
	AccessHash    int64
	FileReference []byte

	// ChatPhoto-only fields.
	PeerID int64
	Big    bool
}

// AuthExport is the payload returned by ExportAuthorization and consumed
// by ImportAuthorization to bootstrap a session on a non-home DC.
type AuthExport struct {
	ID    int64
	Bytes []byte
}

// GetFileResult is one chunk of a GetFile response.
type GetFileResult struct {
	Bytes []byte
	EOF   bool
}

// Message is the minimal shape returned by get_messages / send_cached_media
// needed to recover a per-client file handle.
type Message struct {
	FileID     string
	Location   Location
	AccessHash int64
}

// Conn is an authenticated RPC channel bound to one DC, held by exactly
// one upstream.Session at a time.
type Conn interface {
	DCID() int
	GetFile(ctx context.Context, loc Location, offset, limit int64) (GetFileResult, error)
	Close() error
}

// Transport is the black-box upstream surface enumerated in spec.md S6.
type Transport interface {
	// Dial opens a fresh, authenticated Conn to dcID using the given home
	// auth key material (opaque to this package).
	Dial(ctx context.Context, dcID int, authKey []byte) (Conn, error)

	// ExportAuthorization produces auth material from the home-DC
	// connection, to be imported on a session dialed to another DC.
	ExportAuthorization(ctx context.Context, home Conn, targetDC int) (AuthExport, error)

	// ImportAuthorization binds exported auth material to a session
	// already dialed to the target DC. May fail with
	// *apierr.AuthBytesInvalidError.
	ImportAuthorization(ctx context.Context, target Conn, auth AuthExport) error

	// StreamMedia yields raw bytes for thumbnail serving. Peripheral: only
	// used by the gated /thumb route.
	StreamMedia(ctx context.Context, fileID string) ([]byte, error)

	// GetMessages resolves a per-client file handle for a channel message.
	GetMessages(ctx context.Context, channelID int64, msgID int) (Message, error)

	// SendCachedMedia publishes a cache-sharing message and returns the
	// resulting per-client file handle.
	SendCachedMedia(ctx context.Context, chatID int64, fileID string) (Message, error)
}
