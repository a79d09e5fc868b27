// Package client implements the iperf3 client role. The client connects
// the control channel, reacts to the server's command tags, and pumps the
// data channel from a single poll-driven loop until the test duration
// elapses.
package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

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

var errNoDataSocket = errors.New("data channel not open")

// Config holds the knobs for one client run.
type Config struct {
	Host      string
	Port      int   // 0 means DefaultPort
	UDP       bool  // datagram data channel instead of a TCP stream
	Reverse   bool  // server sends, client receives
	Bandwidth int64 // UDP pacing target in bits/s; 0 means the default
	Length    int   // payload bytes; 0 means the protocol default
	Time      int   // test duration in seconds
	Debug     bool
	// Capture keeps per-interval records on the returned Stats for export.
	Capture bool
	// Out receives console output. Defaults to os.Stdout.
	Out io.Writer
	// DonePause is how long to linger after IPERF_DONE so the server can
	// finish teardown before the next client arrives. Defaults to one
	// second; negative disables the pause.
	DonePause time.Duration
}

type run struct {
	cfg   Config
	param params.Parameters

	addr   string
	cookie []byte
	ctrl   net.Conn
	data   net.Conn
	poll   *poller.Poller
	st     *stats.Stats
	buf    []byte

	start    int64
	ticksEnd int64

	udpInterval int64
	udpLastSend int64
	udpPacketID uint32

	lastWake int64
}

// Run performs one complete client run against cfg.Host and returns the
// accumulated statistics. It returns after IPERF_DONE has been sent.
func Run(cfg Config) (*stats.Stats, error) {
	st, err := runOnce(cfg)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("client", "error").Inc()
		return st, err
	}
	metrics.RunsTotal.WithLabelValues("client", "ok").Inc()
	return st, nil
}

func runOnce(cfg Config) (*stats.Stats, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Bandwidth == 0 {
		cfg.Bandwidth = params.DefaultBandwidth
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.DonePause == 0 {
		cfg.DonePause = time.Second
	}

	proto, dir := "TCP", "sending"
	if cfg.UDP {
		proto = "UDP"
	}
	if cfg.Reverse {
		dir = "receiving"
	}
	fmt.Fprintln(cfg.Out, "CLIENT MODE:", proto, dir)

	param := params.ForClient(cfg.UDP, cfg.Reverse, cfg.Bandwidth, cfg.Length, cfg.Time)
	r := &run{
		cfg:   cfg,
		param: param,
		addr:  net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		poll:  poller.New(),
	}
	if param.UDP {
		r.udpInterval = ticks.PerSecond * 8 * int64(param.Len) / param.Bandwidth
	}
	r.ticksEnd = int64(param.Time) * ticks.PerSecond

	r.st = stats.New(param, !param.Reverse)
	r.st.Out = cfg.Out
	r.st.Capture = cfg.Capture

	cookie, err := wire.MakeCookie()
	if err != nil {
		return r.st, err
	}
	r.cookie = cookie
	if cfg.Debug {
		log.Printf("client: cookie %q", cookie)
	}

	ctrl, err := net.Dial("tcp", r.addr)
	if err != nil {
		return r.st, fmt.Errorf("connect control channel: %w", err)
	}
	r.ctrl = ctrl
	defer r.close()

	if _, err := ctrl.Write(r.cookie); err != nil {
		return r.st, fmt.Errorf("send cookie: %w", err)
	}
	if err := r.poll.Register(ctrl.(syscall.Conn), ctrlSock, poller.Read); err != nil {
		return r.st, err
	}
	return r.st, r.loop()
}

func (r *run) close() {
	if r.data != nil {
		r.data.Close()
		r.data = nil
	}
	if r.ctrl != nil {
		r.ctrl.Close()
		r.ctrl = nil
	}
}

// loop is the single poll set shared by the control reactions and the
// data pump. The timeout is bounded by the pacing timer so Update runs
// at least once per stats interval.
func (r *run) loop() error {
	for {
		ready, err := r.poll.Poll(r.st.MaxDtMillis())
		if err != nil {
			return err
		}
		t := ticks.Now()
		if r.lastWake != 0 {
			metrics.PollWakeHistogram.Observe(float64(ticks.Diff(t, r.lastWake)) / float64(ticks.PerSecond))
		}
		r.lastWake = t
		for _, tag := range ready {
			switch tag {
			case dataSock:
				if err := r.handleData(); err != nil {
					return err
				}
			case ctrlSock:
				done, err := r.handleCommand()
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}
		r.st.Update(false)
	}
}

// handleCommand reads one command tag from the control channel and
// reacts. It reports done=true once IPERF_DONE has been sent.
func (r *run) handleCommand() (bool, error) {
	cmd, err := wire.ReadCommand(r.ctrl)
	if err != nil {
		return false, err
	}
	if r.cfg.Debug {
		log.Println("client:", cmd)
	}
	switch cmd {
	case wire.ParamExchange:
		if err := wire.WriteJSONBlob(r.ctrl, r.param); err != nil {
			return false, fmt.Errorf("send parameters: %w", err)
		}
	case wire.CreateStreams:
		if err := r.createStreams(); err != nil {
			return false, err
		}
	case wire.TestStart:
		// In reverse mode the data socket is already open; start
		// receiving now.
		if r.param.Reverse {
			return false, r.begin(poller.Read)
		}
	case wire.TestRunning:
		if !r.param.Reverse {
			return false, r.begin(poller.Write)
		}
	case wire.ExchangeResults:
		if err := r.exchangeResults(); err != nil {
			return false, err
		}
	case wire.DisplayResults:
		if err := wire.WriteCommand(r.ctrl, wire.Done); err != nil {
			return false, err
		}
		r.ctrl.Close()
		r.ctrl = nil
		// Linger so the server is ready for any subsequent client.
		if r.cfg.DonePause > 0 {
			time.Sleep(r.cfg.DonePause)
		}
		return true, nil
	default:
		if r.cfg.Debug {
			log.Println("client: ignoring", cmd)
		}
	}
	return false, nil
}

// createStreams opens the data channel and allocates the working buffer.
func (r *run) createStreams() error {
	if r.param.UDP {
		conn, err := net.Dial("udp", r.addr)
		if err != nil {
			return fmt.Errorf("open data channel: %w", err)
		}
		if _, err := conn.Write(wire.HandshakeRequest()); err != nil {
			conn.Close()
			return fmt.Errorf("udp handshake: %w", err)
		}
		reply := make([]byte, 4)
		if _, err := io.ReadFull(conn, reply); err != nil {
			conn.Close()
			return fmt.Errorf("udp handshake reply: %w", err)
		}
		r.data = conn
	} else {
		conn, err := net.Dial("tcp", r.addr)
		if err != nil {
			return fmt.Errorf("open data channel: %w", err)
		}
		if _, err := conn.Write(r.cookie); err != nil {
			conn.Close()
			return fmt.Errorf("send data cookie: %w", err)
		}
		r.data = conn
	}
	r.buf = make([]byte, r.param.Len)
	return wire.FillRandom(r.buf)
}

// begin registers the data socket in the poll set and starts the clock.
func (r *run) begin(d poller.Direction) error {
	if r.data == nil {
		return errNoDataSocket
	}
	if err := r.poll.Register(r.data.(syscall.Conn), dataSock, d); err != nil {
		return err
	}
	r.start = ticks.Now()
	if r.param.UDP && !r.param.Reverse {
		// Seed one interval in the past so the first tick sends.
		r.udpLastSend = r.start - r.udpInterval
	}
	r.st.Start()
	return nil
}

// handleData services one data-socket readiness event.
func (r *run) handleData() error {
	t := ticks.Now()
	if ticks.Diff(t, r.start) > r.ticksEnd {
		if r.param.Reverse {
			// Keep draining so the sender does not block.
			r.data.Read(r.buf)
		}
		if r.st.Running() {
			if err := wire.WriteCommand(r.ctrl, wire.TestEnd); err != nil {
				return err
			}
			r.st.Stop()
		}
		return nil
	}
	switch {
	case r.param.UDP && r.param.Reverse:
		return r.recvDatagram()
	case r.param.UDP:
		return r.sendDatagram(t)
	case r.param.Reverse:
		return r.recvStream()
	default:
		return r.sendStream()
	}
}

func (r *run) sendStream() error {
	n, err := r.data.Write(r.buf)
	if err != nil {
		return fmt.Errorf("tcp send: %w", err)
	}
	r.st.AddBytes(int64(n))
	return nil
}

func (r *run) recvStream() error {
	if _, err := io.ReadFull(r.data, r.buf); err != nil {
		return fmt.Errorf("tcp receive: %w", err)
	}
	r.st.AddBytes(int64(len(r.buf)))
	return nil
}

// sendDatagram sends at most one datagram per readiness event, pacing to
// the bandwidth target. The send timestamp advances by exactly one
// interval per send so the average rate is preserved.
func (r *run) sendDatagram(t int64) error {
	if ticks.Diff(t, r.udpLastSend) < r.udpInterval {
		return nil
	}
	r.udpLastSend += r.udpInterval
	r.udpPacketID++
	wire.PutDatagramHeader(r.buf, uint32(t/ticks.PerSecond), uint32(t%ticks.PerSecond), r.udpPacketID)
	n, err := r.data.Write(r.buf)
	if err != nil {
		return fmt.Errorf("udp send: %w", err)
	}
	r.st.AddBytes(int64(n))
	return nil
}

func (r *run) recvDatagram() error {
	n, err := r.data.Read(r.buf)
	if err != nil {
		return fmt.Errorf("udp receive: %w", err)
	}
	_, _, id, err := wire.ParseDatagramHeader(r.buf[:n])
	if err != nil {
		return err
	}
	if id != r.udpPacketID+1 {
		r.st.AddLostPackets(int64(id) - int64(r.udpPacketID+1))
	}
	r.udpPacketID = id
	r.st.AddBytes(int64(len(r.buf)))
	return nil
}

// exchangeResults closes the data socket, sends this side's results and
// prints the receiver summary from the server's.
func (r *run) exchangeResults() error {
	r.poll.Unregister(dataSock)
	if r.data != nil {
		r.data.Close()
		r.data = nil
	}
	if err := wire.WriteJSONBlob(r.ctrl, r.st.Results()); err != nil {
		return fmt.Errorf("send results: %w", err)
	}
	peer := params.Results{}
	if err := wire.ReadJSONBlob(r.ctrl, &peer); err != nil {
		return fmt.Errorf("read server results: %w", err)
	}
	if r.cfg.Debug {
		log.Printf("client: server results %+v", peer)
	}
	r.st.ReportReceiver(peer)
	return nil
}
