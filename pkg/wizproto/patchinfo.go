package wizproto

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

const (
	bufferSize = 256
	port       = "12500"

	serviceID = 8 // PATCH
	messageID = 2 // MSG_LATEST_FILE_LIST_V2

	// sessionAccept is the fixed 43-byte session-accept frame the vendor
	// server expects in response to its initial offer. Its first two bytes
	// are the FOOD magic 0x0D 0xF0.
	sessionAccept = "0DF02700000000000802220000000000000000000000000000000000000000000000000000000000000000"
)

var foodHeader = [2]byte{0x0D, 0xF0}

var (
	// ErrInvalidHeaderSequence is returned when the response's leading magic
	// bytes do not match the FOOD header.
	ErrInvalidHeaderSequence = errors.New("invalid FOOD header sequence")

	// ErrInvalidProtocol is returned when serviceId/messageId don't match
	// the expected PATCH / MSG_LATEST_FILE_LIST_V2 pair.
	ErrInvalidProtocol = errors.New("invalid service/message id")

	// ErrInvalidRevisionFormat is returned when listFileUrl does not
	// contain a /V_.../ path segment.
	ErrInvalidRevisionFormat = errors.New("could not extract revision from list file url")
)

var revisionSegment = regexp.MustCompile(`/(V_[^/]+)/`)

// PatchInfo is the result of one handshake with the upstream vendor.
type PatchInfo struct {
	ListFileURL string
	URLPrefix   string
	Revision    string
}

// FetchLatest performs the binary handshake against host:12500 and returns
// the current PatchInfo. Connection, read and write failures are returned
// wrapped; protocol violations return one of the Err* sentinels above. No
// retry is performed here — callers retry on their own schedule.
func FetchLatest(ctx context.Context, host string) (PatchInfo, error) {
	log := zerolog.Ctx(ctx)

	dialer := net.Dialer{Timeout: 10 * time.Second}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return PatchInfo{}, fmt.Errorf("error connecting to %s:%s: %w", host, port, err)
	}
	defer conn.Close()

	log.Debug().Str("host", host).Msg("connected to patch-info host")

	offer := make([]byte, bufferSize)
	if _, err := conn.Read(offer); err != nil && !errors.Is(err, io.EOF) {
		return PatchInfo{}, fmt.Errorf("error reading the session offer: %w", err)
	}

	accept, err := HexDecode(sessionAccept, Little)
	if err != nil {
		return PatchInfo{}, fmt.Errorf("error decoding the session-accept frame: %w", err)
	}

	if _, err := conn.Write(accept); err != nil {
		return PatchInfo{}, fmt.Errorf("error writing the session-accept frame: %w", err)
	}

	resp := make([]byte, bufferSize)
	if _, err := conn.Read(resp); err != nil && !errors.Is(err, io.EOF) {
		return PatchInfo{}, fmt.Errorf("error reading the server response: %w", err)
	}

	if tc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = tc.CloseWrite()
	}

	return parseResponse(resp)
}

// cursor reads the fixed-size response buffer field by field, little-endian.
type cursor struct {
	r *bytes.Reader
}

func (c *cursor) u8() (uint8, error) {
	var v uint8

	err := binary.Read(c.r, binary.LittleEndian, &v)

	return v, err
}

func (c *cursor) u16() (uint16, error) {
	var v uint16

	err := binary.Read(c.r, binary.LittleEndian, &v)

	return v, err
}

func (c *cursor) u32() (uint32, error) {
	var v uint32

	err := binary.Read(c.r, binary.LittleEndian, &v)

	return v, err
}

func (c *cursor) skip(n int) error {
	_, err := c.r.Seek(int64(n), io.SeekCurrent)

	return err
}

// bytestring reads a u16 length prefix followed by that many UTF-8 bytes.
func (c *cursor) bytestring() (string, error) {
	n, err := c.u16()
	if err != nil {
		return "", err
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

func parseResponse(buf []byte) (PatchInfo, error) {
	c := &cursor{r: bytes.NewReader(buf)}

	magic, err := c.u16()
	if err != nil {
		return PatchInfo{}, fmt.Errorf("error reading the FOOD header: %w", err)
	}

	if magic != binary.LittleEndian.Uint16(foodHeader[:]) {
		return PatchInfo{}, ErrInvalidHeaderSequence
	}

	if _, err := c.u16(); err != nil { // content length, ignored
		return PatchInfo{}, fmt.Errorf("error reading the content length: %w", err)
	}

	if _, err := c.u32(); err != nil { // isControl/opCode/padding, ignored
		return PatchInfo{}, fmt.Errorf("error reading the control word: %w", err)
	}

	svc, err := c.u8()
	if err != nil {
		return PatchInfo{}, fmt.Errorf("error reading the service id: %w", err)
	}

	msg, err := c.u8()
	if err != nil {
		return PatchInfo{}, fmt.Errorf("error reading the message id: %w", err)
	}

	if svc != serviceID || msg != messageID {
		return PatchInfo{}, fmt.Errorf("%w: got service=%d message=%d", ErrInvalidProtocol, svc, msg)
	}

	if _, err := c.u16(); err != nil { // dml length, ignored
		return PatchInfo{}, fmt.Errorf("error reading the DML length: %w", err)
	}

	if _, err := c.u32(); err != nil { // latest version, ignored
		return PatchInfo{}, fmt.Errorf("error reading the latest version: %w", err)
	}

	if _, err := c.bytestring(); err != nil { // list file name, ignored
		return PatchInfo{}, fmt.Errorf("error reading the list file name: %w", err)
	}

	if err := c.skip(16); err != nil { // opaque file metadata block (type, time, size, crc)
		return PatchInfo{}, fmt.Errorf("error skipping the file metadata block: %w", err)
	}

	listFileURL, err := c.bytestring()
	if err != nil {
		return PatchInfo{}, fmt.Errorf("error reading the list file url: %w", err)
	}

	urlPrefix, err := c.bytestring()
	if err != nil {
		return PatchInfo{}, fmt.Errorf("error reading the url prefix: %w", err)
	}

	revision, err := parseRevision(listFileURL)
	if err != nil {
		return PatchInfo{}, err
	}

	return PatchInfo{
		ListFileURL: listFileURL,
		URLPrefix:   urlPrefix,
		Revision:    revision,
	}, nil
}

func parseRevision(url string) (string, error) {
	m := revisionSegment.FindStringSubmatch(url)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRevisionFormat, url)
	}

	return m[1], nil
}
