package server_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/netmeasure/iperf3/client"
	"github.com/netmeasure/iperf3/params"
	"github.com/netmeasure/iperf3/server"
	"github.com/netmeasure/iperf3/stats"
	"github.com/netmeasure/iperf3/wire"
)

func findPort(t *testing.T) int {
	t.Helper()
	portFinder, err := net.Listen("tcp", ":0")
	rtx.Must(err, "Could not open server to discover open ports")
	port := portFinder.Addr().(*net.TCPAddr).Port
	portFinder.Close()
	return port
}

// runClient drives one client run, retrying while the server's listener
// is still coming up.
func runClient(cfg client.Config) (st *stats.Stats, err error) {
	for i := 0; i < 100; i++ {
		st, err = client.Run(cfg)
		if err == nil || !errors.Is(err, syscall.ECONNREFUSED) {
			return st, err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return st, err
}

// dialRetry connects to the server's control port, retrying while its
// listener is still coming up.
func dialRetry(t *testing.T, port int) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			return conn
		}
		time.Sleep(50 * time.Millisecond)
	}
	rtx.Must(err, "Could not dial server")
	return nil
}

func startServer(ctx context.Context, port int) chan error {
	errc := make(chan error, 1)
	go func() {
		errc <- server.RunOne(ctx, server.Config{Port: port, Out: io.Discard})
	}()
	return errc
}

func TestTCPForwardEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := findPort(t)
	srvErr := startServer(ctx, port)

	st, err := runClient(client.Config{
		Host:      "127.0.0.1",
		Port:      port,
		Time:      1,
		DonePause: -1,
		Out:       io.Discard,
	})
	rtx.Must(err, "Client run failed")
	rtx.Must(<-srvErr, "Server run failed")

	if st.TotalBytes() < 3000 {
		t.Errorf("a 1s TCP run moved only %d bytes", st.TotalBytes())
	}
}

func TestTCPReverseEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := findPort(t)
	srvErr := startServer(ctx, port)

	st, err := runClient(client.Config{
		Host:      "127.0.0.1",
		Port:      port,
		Reverse:   true,
		Time:      1,
		DonePause: -1,
		Out:       io.Discard,
	})
	rtx.Must(err, "Client run failed")
	rtx.Must(<-srvErr, "Server run failed")

	if st.TotalBytes() < 3000 {
		t.Errorf("a 1s reverse TCP run received only %d bytes", st.TotalBytes())
	}
}

// A 2s UDP run at 8000 bits/s with 100-byte datagrams paces to one
// datagram per 100ms, so roughly 20 packets.
func TestUDPForwardEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := findPort(t)
	srvErr := startServer(ctx, port)

	st, err := runClient(client.Config{
		Host:      "127.0.0.1",
		Port:      port,
		UDP:       true,
		Bandwidth: 8000,
		Length:    100,
		Time:      2,
		DonePause: -1,
		Out:       io.Discard,
	})
	rtx.Must(err, "Client run failed")
	rtx.Must(<-srvErr, "Server run failed")

	if got := st.TotalPackets(); got < 15 || got > 25 {
		t.Errorf("sent %d datagrams, want ~20", got)
	}
	if st.TotalBytes() != st.TotalPackets()*100 {
		t.Errorf("bytes %d inconsistent with %d datagrams of 100 bytes",
			st.TotalBytes(), st.TotalPackets())
	}
}

func TestUDPReverseEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := findPort(t)
	srvErr := startServer(ctx, port)

	st, err := runClient(client.Config{
		Host:      "127.0.0.1",
		Port:      port,
		UDP:       true,
		Reverse:   true,
		Bandwidth: 800_000,
		Length:    100,
		Time:      1,
		DonePause: -1,
		Out:       io.Discard,
	})
	rtx.Must(err, "Client run failed")
	rtx.Must(<-srvErr, "Server run failed")

	if st.TotalBytes() == 0 {
		t.Error("a 1s reverse UDP run received nothing")
	}
}

// A raw wire-level client: the data-stream cookie deliberately differs
// from the control cookie, which the server must tolerate, and the exact
// byte accounting comes back in the exchanged results.
func TestWireLevelForwardRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := findPort(t)
	srvErr := startServer(ctx, port)

	ctrl := dialRetry(t, port)
	defer ctrl.Close()

	cookieA, err := wire.MakeCookie()
	rtx.Must(err, "Could not make cookie")
	_, err = ctrl.Write(cookieA)
	rtx.Must(err, "Could not send cookie")

	expectCommand(t, ctrl, wire.ParamExchange)
	p := params.ForClient(false, false, 0, 3000, 10)
	rtx.Must(wire.WriteJSONBlob(ctrl, p), "Could not send parameters")

	expectCommand(t, ctrl, wire.CreateStreams)
	data, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	rtx.Must(err, "Could not dial data channel")
	defer data.Close()
	cookieB, err := wire.MakeCookie()
	rtx.Must(err, "Could not make second cookie")
	_, err = data.Write(cookieB)
	rtx.Must(err, "Could not send data cookie")

	expectCommand(t, ctrl, wire.TestStart)
	expectCommand(t, ctrl, wire.TestRunning)

	// One full payload buffer, then end the test. The pause lets the
	// server drain the data socket before it sees TEST_END.
	payload := make([]byte, 3000)
	_, err = data.Write(payload)
	rtx.Must(err, "Could not send payload")
	time.Sleep(200 * time.Millisecond)
	rtx.Must(wire.WriteCommand(ctrl, wire.TestEnd), "Could not send TEST_END")

	expectCommand(t, ctrl, wire.ExchangeResults)
	rtx.Must(wire.WriteJSONBlob(ctrl, params.NewResults(3000, 1, 0, 1)), "Could not send results")
	serverResults := params.Results{}
	rtx.Must(wire.ReadJSONBlob(ctrl, &serverResults), "Could not read server results")

	expectCommand(t, ctrl, wire.DisplayResults)
	rtx.Must(wire.WriteCommand(ctrl, wire.Done), "Could not send IPERF_DONE")

	rtx.Must(<-srvErr, "Server run failed")

	if len(serverResults.Streams) != 1 {
		t.Fatalf("server sent %d streams", len(serverResults.Streams))
	}
	got := serverResults.Streams[0]
	if got.Bytes != 3000 || got.Packets != 1 {
		t.Errorf("server accounted %d bytes in %d packets, want 3000 in 1", got.Bytes, got.Packets)
	}
}

// A length prefix with no bytes behind it must fail the run, not hang it.
func TestShortParamBlob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := findPort(t)
	srvErr := startServer(ctx, port)

	ctrl := dialRetry(t, port)

	cookie, err := wire.MakeCookie()
	rtx.Must(err, "Could not make cookie")
	_, err = ctrl.Write(cookie)
	rtx.Must(err, "Could not send cookie")
	expectCommand(t, ctrl, wire.ParamExchange)

	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, 50)
	_, err = ctrl.Write(hdr)
	rtx.Must(err, "Could not send length prefix")
	ctrl.Close()

	err = <-srvErr
	if !errors.Is(err, wire.ErrShortRead) {
		t.Errorf("truncated parameter blob gave %v, want ErrShortRead", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	port := findPort(t)
	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(ctx, server.Config{Port: port, Out: io.Discard}, 0)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		rtx.Must(err, "Serve should stop cleanly on cancel")
	case <-time.After(2 * time.Second):
		t.Error("Serve did not stop after cancellation")
	}
}

func expectCommand(t *testing.T, c net.Conn, want wire.Command) {
	t.Helper()
	got, err := wire.ReadCommand(c)
	rtx.Must(err, "Could not read command")
	if got != want {
		t.Fatalf("got command %v, want %v", got, want)
	}
}
