package wizproto_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurorium/patchmirror/pkg/wizproto"
)

// fakeVendorServer binds 127.0.0.1:12500 (FetchLatest's fixed port), accepts
// one connection, sends a throwaway offer, reads the session-accept frame,
// and replies with a handcrafted response frame carrying listFileURL/urlPrefix.
func fakeVendorServer(t *testing.T, listFileURL, urlPrefix string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:12500")
	require.NoError(t, err)

	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		_, _ = conn.Write(make([]byte, 256))

		accept := make([]byte, 43)
		_, _ = readFull(conn, accept)

		buf := make([]byte, 256)

		off := 0
		binary.LittleEndian.PutUint16(buf[off:], 0xF00D) // FOOD magic: bytes 0x0D 0xF0
		off += 2
		binary.LittleEndian.PutUint16(buf[off:], 0) // content length
		off += 2
		binary.LittleEndian.PutUint32(buf[off:], 0) // control word
		off += 4
		buf[off] = 8 // serviceID
		off++
		buf[off] = 2 // messageID
		off++
		binary.LittleEndian.PutUint16(buf[off:], 0) // dml length
		off += 2
		binary.LittleEndian.PutUint32(buf[off:], 1) // latest version
		off += 4

		off = writeWireString(buf, off, "list.bin")
		off += 16 // opaque file metadata block

		off = writeWireString(buf, off, listFileURL)
		writeWireString(buf, off, urlPrefix)

		_, _ = conn.Write(buf)
	}()
}

func writeWireString(buf []byte, off int, s string) int {
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(s)))
	off += 2
	copy(buf[off:], s)

	return off + len(s)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n

		if err != nil {
			return read, err
		}
	}

	return read, nil
}

func TestFetchLatest(t *testing.T) {
	const (
		listURL = "http://h/WizPatcher/V_r1.Wizard_X/Windows/LatestFileList.bin"
		prefix  = "http://h/WizPatcher/V_r1.Wizard_X/LatestBuild"
	)

	fakeVendorServer(t, listURL, prefix)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pi, err := wizproto.FetchLatest(ctx, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, listURL, pi.ListFileURL)
	assert.Equal(t, prefix, pi.URLPrefix)
	assert.Equal(t, "V_r1.Wizard_X", pi.Revision)
}

func TestFetchLatestConnectionRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// No listener on 12500 at this point in the package's test run.
	_, err := wizproto.FetchLatest(ctx, "127.0.0.1")
	require.Error(t, err)
}
