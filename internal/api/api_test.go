// Package api_test provides behavior tests for the API package, exercising
// the full HTTP surface (status, watch, dl, thumb) against fakes for the
// upstream transport and metadata store.
package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jroosing/streamgate/internal/api"
	"github.com/jroosing/streamgate/internal/api/handlers"
	"github.com/jroosing/streamgate/internal/api/models"
	"github.com/jroosing/streamgate/internal/balancer"
	"github.com/jroosing/streamgate/internal/cache"
	"github.com/jroosing/streamgate/internal/config"
	"github.com/jroosing/streamgate/internal/rpc"
	"github.com/jroosing/streamgate/internal/stream"
	"github.com/jroosing/streamgate/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFileSize = 1048576
const testChunkSize = 524288

type fakeStore struct {
	rec stream.StoreRecord
	err error
}

func (f *fakeStore) GetFile(ctx context.Context, dbID string) (stream.StoreRecord, error) {
	if f.err != nil {
		return stream.StoreRecord{}, f.err
	}
	return f.rec, nil
}

func (f *fakeStore) UpdateFileIDs(ctx context.Context, dbID string, handles map[int]rpc.Location) error {
	return nil
}

type fakeConn struct{ dcID int }

func (c *fakeConn) DCID() int { return c.dcID }
func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) GetFile(ctx context.Context, loc rpc.Location, offset, limit int64) (rpc.GetFileResult, error) {
	remaining := testFileSize - offset
	if remaining <= 0 {
		return rpc.GetFileResult{Bytes: nil, EOF: true}, nil
	}
	n := limit
	if n > remaining {
		n = remaining
	}
	body := make([]byte, n)
	for i := range body {
		body[i] = byte((offset + int64(i)) % 256)
	}
	return rpc.GetFileResult{Bytes: body, EOF: n < limit}, nil
}

type fakeTransport struct{ conn *fakeConn }

func (t *fakeTransport) Dial(ctx context.Context, dcID int, authKey []byte) (rpc.Conn, error) {
	return t.conn, nil
}
func (t *fakeTransport) ExportAuthorization(ctx context.Context, home rpc.Conn, targetDC int) (rpc.AuthExport, error) {
	return rpc.AuthExport{}, nil
}
func (t *fakeTransport) ImportAuthorization(ctx context.Context, target rpc.Conn, auth rpc.AuthExport) error {
	return nil
}
func (t *fakeTransport) StreamMedia(ctx context.Context, fileID string) ([]byte, error) {
	return nil, nil
}
func (t *fakeTransport) GetMessages(ctx context.Context, channelID int64, msgID int) (rpc.Message, error) {
	return rpc.Message{}, nil
}
func (t *fakeTransport) SendCachedMedia(ctx context.Context, chatID int64, fileID string) (rpc.Message, error) {
	return rpc.Message{}, nil
}

func newTestServer(t *testing.T) *api.Server {
	t.Helper()

	store := &fakeStore{rec: stream.StoreRecord{
		FileID:   "file1",
		FileName: "movie.mp4",
		FileSize: testFileSize,
		MimeType: "video/mp4",
		Location: rpc.Location{Type: rpc.FileTypeDocument, DCID: 1, ID: 42},
	}}

	conn := &fakeConn{dcID: 1}
	pool := upstream.NewPool(&fakeTransport{conn: conn}, 1, 1, []byte("key"), nil)
	t.Cleanup(pool.Stop)

	bal := balancer.New(map[int]int{1: 1}, nil)

	streamer := stream.New(stream.Config{
		Store:       store,
		Pools:       map[int]*upstream.Pool{1: pool},
		Balancer:    bal,
		ChunkSize:   testChunkSize,
		MetadataTTL: time.Minute,
		MetadataCap: 100,
	})
	t.Cleanup(streamer.Close)

	initCache := cache.New[string, models.CachedHeaders](100, time.Minute, nil)
	t.Cleanup(initCache.Close)
	watchCache := cache.New[string, string](100, time.Minute, nil)
	t.Cleanup(watchCache.Close)

	cfg := &config.Config{
		Listener: config.ListenerConfig{Port: 0, BindAddress: "127.0.0.1"},
		Tuning:   config.TuningConfig{RequestTimeoutSeconds: 30, RateLimitPerMinute: 10000, BurstLimit: 10000, MaxClients: 1000},
		Mode:     config.ModePrimary,
	}

	h := handlers.New(streamer, bal, initCache, watchCache, cfg, nil, "test")
	return api.New(cfg, h, nil)
}

func TestStatus_ReturnsOKWithClients(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"connected_clients":1`)
}

func TestHealthz_ReturnsOK(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDownload_FullFile(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/dl/abc", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1048576", w.Header().Get("Content-Length"))
	assert.Len(t, w.Body.Bytes(), testFileSize)
}

func TestDownload_MidFileRange(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/dl/abc", nil)
	req.Header.Set("Range", "bytes=600000-700000")
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 600000-700000/1048576", w.Header().Get("Content-Range"))
	assert.Equal(t, "100001", w.Header().Get("Content-Length"))
	assert.Len(t, w.Body.Bytes(), 100001)
}

func TestDownload_UnsatisfiableRange(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/dl/abc", nil)
	req.Header.Set("Range", "bytes=2000000-")
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */1048576", w.Header().Get("Content-Range"))
}

func TestDownload_InlineDispositionForVideo(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/dl/abc", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	assert.Contains(t, w.Header().Get("Content-Disposition"), "inline")
}

func TestWatch_RendersPlayerPage(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/watch/abc", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/dl/abc")
	assert.Contains(t, w.Body.String(), "<video")
}

func TestThumb_DisabledByDefault(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/thumb/abc", nil)
	w := httptest.NewRecorder()
	srv.Engine().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "disabled")
}

func TestNew_PanicsOnNilConfig(t *testing.T) {
	assert.Panics(t, func() {
		api.New(nil, nil, nil)
	})
}

func TestServer_Shutdown(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}
