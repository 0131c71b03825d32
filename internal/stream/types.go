package stream

import (
	"context"

	"github.com/jroosing/streamgate/internal/rpc"
)

// FileMetadata is the resolved record cached under db_id: the remote
// file handle, size, MIME type, display name, and a per-upstream-client
// cache of the handle (a handle obtained on one client is not directly
// usable by another). Never mutated in place; refreshed records replace
// the cache entry wholesale.
type FileMetadata struct {
	DBID          string
	Location      rpc.Location // canonical handle, as resolved on the home client
	Size          int64
	MIME          string
	Name          string
	ClientHandles map[int]rpc.Location // client id -> handle usable on that client
	Version       int64
}

// LocationFor returns the handle to use for clientID, falling back to
// the canonical handle if no per-client form has been cached yet.
func (m FileMetadata) LocationFor(clientID int) rpc.Location {
	if loc, ok := m.ClientHandles[clientID]; ok {
		return loc
	}
	return m.Location
}

// StoreRecord is the shape returned by the external metadata store's
// get_file contract (spec.md S6).
type StoreRecord struct {
	FileID        string
	FileName      string
	FileSize      int64
	MimeType      string
	FileUniqueID  string
	Location      rpc.Location
	ClientFileIDs map[int]rpc.Location
}

// MetadataStore is the external async key-value store contract: get_file
// / update_file_ids, treated as a black-box collaborator per spec.md S1.
type MetadataStore interface {
	GetFile(ctx context.Context, dbID string) (StoreRecord, error)
	UpdateFileIDs(ctx context.Context, dbID string, handles map[int]rpc.Location) error
}

// Balancer is the subset of balancer.Balancer's methods the streamer
// needs to maintain load, latency, and health signals around a stream.
type Balancer interface {
	IncWorkload(id int)
	DecWorkload(id int)
	RecordResponseTime(id int, seconds float64)
	MarkHealthy(id int)
	MarkUnhealthy(id int)
}

