// Package server implements the iperf3 server role. The server is
// authoritative on the control channel: it emits the command sequence,
// creates the data channel the parameters ask for, pumps it until the
// client signals TEST_END, and exchanges results.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"syscall"

	"github.com/netmeasure/iperf3/metrics"
	"github.com/netmeasure/iperf3/params"
	"github.com/netmeasure/iperf3/poller"
	"github.com/netmeasure/iperf3/stats"
	"github.com/netmeasure/iperf3/ticks"
	"github.com/netmeasure/iperf3/wire"
)

// DefaultPort is the iperf3 control port.
const DefaultPort = 5201

// Poll-set tags for the two sockets of a run.
const (
	ctrlSock = iota
	dataSock
)

// Notifier receives run lifecycle notifications. eventsocket.Server
// implements it.
type Notifier interface {
	RunStarted(cookie string, p params.Parameters)
	RunCompleted(cookie string, r params.Results)
}

// Config holds the knobs for the server role.
type Config struct {
	Port  int // 0 means DefaultPort
	Debug bool
	// Out receives console output. Defaults to os.Stdout.
	Out io.Writer
	// Events, when non-nil, is notified of run starts and completions.
	Events Notifier
}

// Serve accepts and runs tests until ctx is canceled or reps runs have
// been attempted. reps of zero means serve forever. Run errors are
// logged and do not stop the loop.
func Serve(ctx context.Context, cfg Config, reps int) error {
	for count := 0; reps == 0 || count < reps; count++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := RunOne(ctx, cfg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Println("server: run failed:", err)
			metrics.ErrorCount.WithLabelValues("run").Inc()
			metrics.RunsTotal.WithLabelValues("server", "error").Inc()
		} else {
			metrics.RunsTotal.WithLabelValues("server", "ok").Inc()
		}
	}
	return nil
}

type run struct {
	cfg   Config
	out   io.Writer
	param params.Parameters

	ctrl net.Conn
	// Exactly one of data (TCP stream) or dconn (datagram socket) is set
	// once CREATE_STREAMS has been handled.
	data  net.Conn
	dconn net.PacketConn
	peer  net.Addr

	st  *stats.Stats
	buf []byte

	udpInterval int64
	udpLastSend int64
	udpPacketID uint32
	udpLastRecv uint32
}

// RunOne accepts a single control connection and drives one complete
// test. A peer that disappears mid-run during reverse send ends the run
// normally.
func RunOne(ctx context.Context, cfg Config) error {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}

	lc := poller.ListenConfig()
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	fmt.Fprintln(cfg.Out, "Server listening on", ln.Addr())

	// Unblock Accept when the caller cancels.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	ctrl, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept control channel: %w", err)
	}
	defer ctrl.Close()

	cookie, err := wire.ReadExact(ctrl, wire.CookieSize)
	if err != nil {
		return fmt.Errorf("read cookie: %w", err)
	}
	if cfg.Debug {
		log.Printf("server: cookie %q", cookie)
	}

	if err := wire.WriteCommand(ctrl, wire.ParamExchange); err != nil {
		return err
	}
	param := params.Default()
	if err := wire.ReadJSONBlob(ctrl, &param); err != nil {
		metrics.ErrorCount.WithLabelValues("protocol").Inc()
		return fmt.Errorf("read parameters: %w", err)
	}
	if cfg.Debug {
		log.Printf("server: params %+v", param)
	}
	if err := param.Validate(); err != nil {
		return err
	}
	if cfg.Events != nil {
		cfg.Events.RunStarted(string(cookie[:wire.CookieSize-1]), param)
	}

	r := &run{cfg: cfg, out: cfg.Out, param: param, ctrl: ctrl}
	defer r.closeData()

	if err := wire.WriteCommand(ctrl, wire.CreateStreams); err != nil {
		return err
	}
	if err := r.createStreams(ctx, lc, ln); err != nil {
		return err
	}

	if err := wire.WriteCommand(ctrl, wire.TestStart); err != nil {
		return err
	}
	if err := wire.WriteCommand(ctrl, wire.TestRunning); err != nil {
		return err
	}

	r.st = stats.New(param, param.Reverse)
	r.st.Out = cfg.Out
	r.buf = make([]byte, param.Len)
	if err := wire.FillRandom(r.buf); err != nil {
		return err
	}
	if param.UDP && param.Reverse {
		if param.Bandwidth > 0 {
			r.udpInterval = ticks.PerSecond * 8 * int64(param.Len) / param.Bandwidth
		}
	}

	aborted, err := r.pump()
	if err != nil {
		return err
	}
	if aborted {
		// The peer vanished during reverse send; there is nobody left to
		// exchange results with, and the partial tallies go with it.
		return nil
	}
	if r.param.Reverse {
		r.closeData()
	}
	r.st.Stop()

	if err := wire.WriteCommand(ctrl, wire.ExchangeResults); err != nil {
		return err
	}
	clientResults := params.Results{}
	if err := wire.ReadJSONBlob(ctrl, &clientResults); err != nil {
		return fmt.Errorf("read client results: %w", err)
	}
	if cfg.Debug {
		log.Printf("server: client results %+v", clientResults)
	}
	results := r.st.Results()
	if err := wire.WriteJSONBlob(ctrl, results); err != nil {
		return fmt.Errorf("send results: %w", err)
	}

	if err := wire.WriteCommand(ctrl, wire.DisplayResults); err != nil {
		return err
	}
	cmd, err := wire.ReadCommand(ctrl)
	if err != nil {
		return err
	}
	if cmd != wire.Done {
		metrics.ErrorCount.WithLabelValues("protocol").Inc()
		return fmt.Errorf("%w: %v at teardown", wire.ErrUnexpectedCommand, cmd)
	}
	if cfg.Events != nil {
		cfg.Events.RunCompleted(string(cookie[:wire.CookieSize-1]), results)
	}
	return nil
}

// createStreams opens the data channel the parameters describe. For TCP
// that is a second accepted stream on the same listener; for UDP the
// listener is closed and the port is rebound as a datagram socket, and
// the handshake datagram fixes the peer address.
func (r *run) createStreams(ctx context.Context, lc net.ListenConfig, ln net.Listener) error {
	if r.param.TCP {
		data, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept data channel: %w", err)
		}
		fmt.Fprintln(r.out, "Accepted connection:", data.RemoteAddr())
		// The data-stream cookie is not compared against the control
		// cookie beyond its length.
		if _, err := wire.ReadExact(data, wire.CookieSize); err != nil {
			data.Close()
			return fmt.Errorf("read data cookie: %w", err)
		}
		r.data = data
		return nil
	}

	addr := ln.Addr().String()
	ln.Close()
	dconn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("bind data channel: %w", err)
	}
	hs := make([]byte, 4)
	_, peer, err := dconn.ReadFrom(hs)
	if err != nil {
		dconn.Close()
		return fmt.Errorf("udp handshake: %w", err)
	}
	r.peer = peer
	if _, err := dconn.WriteTo(wire.HandshakeReply(), r.peer); err != nil {
		dconn.Close()
		return fmt.Errorf("udp handshake reply: %w", err)
	}
	r.dconn = dconn
	return nil
}

func (r *run) closeData() {
	if r.data != nil {
		r.data.Close()
		r.data = nil
	}
	if r.dconn != nil {
		r.dconn.Close()
		r.dconn = nil
	}
}

// pump reads or writes the data channel until TEST_END arrives on the
// control channel. It reports aborted=true when the peer closed the data
// channel under us during reverse send, which is a normal way for a run
// to end.
func (r *run) pump() (bool, error) {
	p := poller.New()
	if err := p.Register(r.ctrl.(syscall.Conn), ctrlSock, poller.Read); err != nil {
		return false, err
	}
	d := poller.Read
	if r.param.Reverse {
		d = poller.Write
	}
	if err := p.Register(r.dataConn(), dataSock, d); err != nil {
		return false, err
	}

	r.st.Start()
	if r.param.UDP && r.param.Reverse {
		r.udpLastSend = ticks.Now() - r.udpInterval
	}
	var lastWake int64
	for {
		ready, err := p.Poll(r.st.MaxDtMillis())
		if err != nil {
			return false, err
		}
		t := ticks.Now()
		if lastWake != 0 {
			metrics.PollWakeHistogram.Observe(float64(ticks.Diff(t, lastWake)) / float64(ticks.PerSecond))
		}
		lastWake = t
		for _, tag := range ready {
			switch tag {
			case ctrlSock:
				cmd, err := wire.ReadCommand(r.ctrl)
				if err != nil {
					return false, err
				}
				if r.cfg.Debug {
					log.Println("server:", cmd)
				}
				if cmd == wire.TestEnd {
					return false, nil
				}
			case dataSock:
				if err := r.pumpData(t); err != nil {
					if r.param.Reverse && isPeerClosed(err) {
						if r.cfg.Debug {
							log.Println("server: peer closed data channel:", err)
						}
						return true, nil
					}
					return false, err
				}
			}
		}
		r.st.Update(false)
	}
}

func (r *run) dataConn() syscall.Conn {
	if r.data != nil {
		return r.data.(syscall.Conn)
	}
	return r.dconn.(syscall.Conn)
}

// pumpData services one data-socket readiness event.
func (r *run) pumpData(t int64) error {
	switch {
	case r.param.UDP && r.param.Reverse:
		return r.sendDatagram(t)
	case r.param.UDP:
		return r.recvDatagram()
	case r.param.Reverse:
		n, err := r.data.Write(r.buf)
		if err != nil {
			return err
		}
		r.st.AddBytes(int64(n))
		return nil
	default:
		if _, err := io.ReadFull(r.data, r.buf); err != nil {
			return err
		}
		r.st.AddBytes(int64(len(r.buf)))
		return nil
	}
}

// sendDatagram stamps and sends at most one datagram per readiness
// event, paced to the client's bandwidth target.
func (r *run) sendDatagram(t int64) error {
	if ticks.Diff(t, r.udpLastSend) < r.udpInterval {
		return nil
	}
	r.udpLastSend += r.udpInterval
	r.udpPacketID++
	wire.PutDatagramHeader(r.buf, uint32(t/ticks.PerSecond), uint32(t%ticks.PerSecond), r.udpPacketID)
	if _, err := r.dconn.WriteTo(r.buf, r.peer); err != nil {
		return err
	}
	r.st.AddBytes(int64(len(r.buf)))
	return nil
}

// recvDatagram receives one datagram and infers loss from gaps in the
// sender's sequence ids, so the receiver row and the exchanged errors
// field reflect what actually arrived.
func (r *run) recvDatagram() error {
	n, _, err := r.dconn.ReadFrom(r.buf)
	if err != nil {
		return err
	}
	_, _, id, err := wire.ParseDatagramHeader(r.buf[:n])
	if err != nil {
		return err
	}
	if id != r.udpLastRecv+1 {
		r.st.AddLostPackets(int64(id) - int64(r.udpLastRecv+1))
	}
	r.udpLastRecv = id
	r.st.AddBytes(int64(len(r.buf)))
	return nil
}

// isPeerClosed reports whether err is the data socket telling us the
// peer has gone away.
func isPeerClosed(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
