package rpc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/jroosing/streamgate/internal/apierr"
)

// TCPTransport is a minimal, dependency-free Transport implementation
// that frames JSON requests/responses behind a 4-byte big-endian length
// prefix, the same length-prefix idiom the teacher uses for its DNS TCP
// fallback (internal/resolvers/forwarding_resolver.go queryUpstreamTCP).
//
// It dials one TCP connection per Conn and multiplexes call/response
// pairs synchronously over it; this is adequate for the gateway's needs
// (one Conn per session, held for the session's lifetime) without
// depending on a specific message-platform SDK, which is explicitly out
// of scope (spec.md S1).
type TCPTransport struct {
	// DialAddr resolves a DC id to a host:port to dial. Tests and small
	// deployments can point every DC at the same address.
	DialAddr func(dcID int) string
	Timeout  time.Duration
}

type wireRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type wireResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Seconds int    `json:"seconds,omitempty"`
}

func (e *wireError) toError() error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case "flood_wait":
		return &apierr.FloodWaitError{Seconds: e.Seconds}
	case "auth_bytes_invalid":
		return &apierr.AuthBytesInvalidError{}
	case "not_found":
		return apierr.ErrNotFound
	case "invalid_hash":
		return apierr.ErrInvalidHash
	default:
		return fmt.Errorf("upstream rpc error: %s", e.Message)
	}
}

type tcpConn struct {
	dcID int
	conn net.Conn
	rw   *bufio.ReadWriter
	t    *TCPTransport
}

func (c *tcpConn) DCID() int { return c.dcID }

func (c *tcpConn) Close() error { return c.conn.Close() }

func (c *tcpConn) GetFile(ctx context.Context, loc Location, offset, limit int64) (GetFileResult, error) {
	type getFileParams struct {
		Loc    Location `json:"loc"`
		Offset int64    `json:"offset"`
		Limit  int64    `json:"limit"`
	}
	var out struct {
		Bytes []byte `json:"bytes"`
		EOF   bool   `json:"eof"`
	}
	if err := c.call(ctx, "get_file", getFileParams{Loc: loc, Offset: offset, Limit: limit}, &out); err != nil {
		return GetFileResult{}, err
	}
	return GetFileResult{Bytes: out.Bytes, EOF: out.EOF}, nil
}

func (c *tcpConn) call(ctx context.Context, method string, params, result any) error {
	deadline := time.Now().Add(c.t.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}

	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return err
	}
	reqBytes, err := json.Marshal(wireRequest{Method: method, Params: paramsBytes})
	if err != nil {
		return err
	}

	if err := writeFramed(c.rw.Writer, reqBytes); err != nil {
		return err
	}
	if err := c.rw.Writer.Flush(); err != nil {
		return err
	}

	respBytes, err := readFramed(c.rw.Reader)
	if err != nil {
		return err
	}
	var resp wireResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error.toError()
	}
	if result != nil && len(resp.Result) > 0 {
		return json.Unmarshal(resp.Result, result)
	}
	return nil
}

func (t *TCPTransport) timeout() time.Duration {
	if t.Timeout <= 0 {
		return 20 * time.Second
	}
	return t.Timeout
}

func (t *TCPTransport) Dial(ctx context.Context, dcID int, authKey []byte) (Conn, error) {
	addr := t.DialAddr(dcID)
	d := net.Dialer{Timeout: t.timeout()}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &tcpConn{
		dcID: dcID,
		conn: conn,
		rw:   bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		t:    t,
	}
	return c, nil
}

func (t *TCPTransport) ExportAuthorization(ctx context.Context, home Conn, targetDC int) (AuthExport, error) {
	hc, ok := home.(*tcpConn)
	if !ok {
		return AuthExport{}, fmt.Errorf("export authorization: unexpected conn type")
	}
	var out AuthExport
	err := hc.call(ctx, "export_authorization", map[string]any{"target_dc": targetDC}, &out)
	return out, err
}

func (t *TCPTransport) ImportAuthorization(ctx context.Context, target Conn, auth AuthExport) error {
	tc, ok := target.(*tcpConn)
	if !ok {
		return fmt.Errorf("import authorization: unexpected conn type")
	}
	return tc.call(ctx, "import_authorization", auth, nil)
}

func (t *TCPTransport) StreamMedia(ctx context.Context, fileID string) ([]byte, error) {
	return nil, fmt.Errorf("stream_media: no connection bound for file %s", fileID)
}

func (t *TCPTransport) GetMessages(ctx context.Context, channelID int64, msgID int) (Message, error) {
	return Message{}, fmt.Errorf("get_messages: requires a bound connection")
}

func (t *TCPTransport) SendCachedMedia(ctx context.Context, chatID int64, fileID string) (Message, error) {
	return Message{}, fmt.Errorf("send_cached_media: requires a bound connection")
}

// writeFramed writes a 4-byte big-endian length prefix followed by
// payload, mirroring the teacher's 2-byte DNS-over-TCP prefix but sized
// for the larger JSON payloads this protocol carries.
func writeFramed(w *bufio.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFramed(r *bufio.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := readFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	const maxFrame = 16 << 20
	if n > maxFrame {
		return nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
