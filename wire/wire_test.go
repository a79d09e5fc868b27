package wire_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/go-test/deep"

	"github.com/netmeasure/iperf3/wire"
)

func TestMakeCookie(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		cookie, err := wire.MakeCookie()
		if err != nil {
			t.Fatalf("MakeCookie: %v", err)
		}
		if len(cookie) != wire.CookieSize {
			t.Fatalf("cookie is %d bytes, want %d", len(cookie), wire.CookieSize)
		}
		if cookie[wire.CookieSize-1] != 0 {
			t.Errorf("cookie does not end in a null byte: %q", cookie)
		}
		for _, b := range cookie[:wire.CookieSize-1] {
			if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz234567", rune(b)) {
				t.Errorf("cookie byte %q outside the a-z2-7 alphabet", b)
			}
		}
		seen[string(cookie)] = true
	}
	if len(seen) < 100 {
		t.Errorf("cookies are not unique: %d distinct of 100", len(seen))
	}
}

func TestCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	for _, c := range []wire.Command{
		wire.TestStart, wire.TestRunning, wire.TestEnd,
		wire.ParamExchange, wire.CreateStreams,
		wire.ExchangeResults, wire.DisplayResults, wire.Done,
	} {
		buf.Reset()
		if err := wire.WriteCommand(&buf, c); err != nil {
			t.Fatalf("WriteCommand(%v): %v", c, err)
		}
		got, err := wire.ReadCommand(&buf)
		if err != nil {
			t.Fatalf("ReadCommand after %v: %v", c, err)
		}
		if got != c {
			t.Errorf("round trip gave %v, want %v", got, c)
		}
	}
}

func TestCommandString(t *testing.T) {
	if got := wire.TestEnd.String(); got != "TEST_END" {
		t.Errorf("TestEnd.String() = %q", got)
	}
	if got := wire.Command(99).String(); got != "UNKNOWN_COMMAND_99" {
		t.Errorf("Command(99).String() = %q", got)
	}
}

func TestJSONBlobRoundTrip(t *testing.T) {
	type blob struct {
		Version string `json:"client_version"`
		Time    int    `json:"time"`
	}
	var buf bytes.Buffer
	in := blob{Version: "3.6", Time: 10}
	if err := wire.WriteJSONBlob(&buf, in); err != nil {
		t.Fatalf("WriteJSONBlob: %v", err)
	}
	// The frame starts with a 4-byte big-endian length.
	raw := buf.Bytes()
	if n := binary.BigEndian.Uint32(raw[:4]); int(n) != len(raw)-4 {
		t.Errorf("length prefix is %d, body is %d bytes", n, len(raw)-4)
	}
	var out blob
	if err := wire.ReadJSONBlob(&buf, &out); err != nil {
		t.Fatalf("ReadJSONBlob: %v", err)
	}
	if diff := deep.Equal(in, out); diff != nil {
		t.Error(diff)
	}
}

func TestReadJSONBlobUnknownKeys(t *testing.T) {
	body := []byte(`{"time":5,"some_future_field":true}`)
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))
	buf.Write(hdr)
	buf.Write(body)

	out := struct {
		Time int `json:"time"`
	}{}
	if err := wire.ReadJSONBlob(&buf, &out); err != nil {
		t.Fatalf("ReadJSONBlob should ignore unknown keys: %v", err)
	}
	if out.Time != 5 {
		t.Errorf("time = %d, want 5", out.Time)
	}
}

// A length prefix promising bytes that never arrive must fail with a
// short-read error, not hang or succeed.
func TestReadJSONBlobTruncated(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, 1000)
	buf.Write(hdr)
	buf.WriteString(`{"partial`)

	var out map[string]interface{}
	err := wire.ReadJSONBlob(&buf, &out)
	if !errors.Is(err, wire.ErrShortRead) {
		t.Errorf("truncated blob gave %v, want ErrShortRead", err)
	}
}

func TestReadJSONBlobBadJSON(t *testing.T) {
	body := []byte(`{not json at all`)
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))
	buf.Write(hdr)
	buf.Write(body)

	var out map[string]interface{}
	err := wire.ReadJSONBlob(&buf, &out)
	if !errors.Is(err, wire.ErrBadJSON) {
		t.Errorf("bad JSON gave %v, want ErrBadJSON", err)
	}
}

func TestReadExactShortRead(t *testing.T) {
	r := bytes.NewReader([]byte{1, 2, 3})
	_, err := wire.ReadExact(r, 10)
	if !errors.Is(err, wire.ErrShortRead) {
		t.Errorf("ReadExact on closed stream gave %v, want ErrShortRead", err)
	}
}

func TestDatagramHeader(t *testing.T) {
	buf := make([]byte, wire.DatagramHeaderSize)
	wire.PutDatagramHeader(buf, 12, 345678, 9)
	sec, usec, id, err := wire.ParseDatagramHeader(buf)
	if err != nil {
		t.Fatalf("ParseDatagramHeader: %v", err)
	}
	if sec != 12 || usec != 345678 || id != 9 {
		t.Errorf("got (%d, %d, %d), want (12, 345678, 9)", sec, usec, id)
	}
	// The header is big-endian on the wire.
	if buf[8] != 0 || buf[11] != 9 {
		t.Errorf("sequence id not big-endian: % x", buf[8:12])
	}
}

func TestParseDatagramHeaderTooShort(t *testing.T) {
	_, _, _, err := wire.ParseDatagramHeader(make([]byte, 11))
	if !errors.Is(err, wire.ErrShortRead) {
		t.Errorf("11-byte datagram gave %v, want ErrShortRead", err)
	}
}

func TestHandshakeConstants(t *testing.T) {
	req := wire.HandshakeRequest()
	if binary.LittleEndian.Uint32(req) != wire.HandshakeMagic {
		t.Errorf("handshake request % x does not encode %d", req, wire.HandshakeMagic)
	}
	want := []byte{0x12, 0x34, 0x56, 0x78}
	if !bytes.Equal(wire.HandshakeReply(), want) {
		t.Errorf("handshake reply = % x, want % x", wire.HandshakeReply(), want)
	}
}
