// Package stats keeps the online tallies for one measurement run: a
// cumulative total and a running interval, sliced by the pacing timer.
// Stats is driven from the single-threaded data pump; it is NOT threadsafe.
package stats

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/netmeasure/iperf3/metrics"
	"github.com/netmeasure/iperf3/params"
	"github.com/netmeasure/iperf3/ticks"
)

// Interval is one pacing-interval slice of a run, kept when capture is
// enabled so the run can be exported afterwards.
type Interval struct {
	Start   float64 `json:"start" csv:"start"`
	End     float64 `json:"end" csv:"end"`
	Bytes   int64   `json:"bytes" csv:"bytes"`
	Packets int64   `json:"packets" csv:"packets"`
	Lost    int64   `json:"lost" csv:"lost"`
}

// Stats accumulates bytes, packets and lost packets for a run. The *0
// counters are cumulative, the *1 counters cover the current interval;
// nb1 <= nb0, np1 <= np0 and nm1 <= nm0 hold at any instant.
type Stats struct {
	// Out receives the console rows. Defaults to os.Stdout.
	Out io.Writer
	// Capture enables recording of interval slices for export.
	Capture bool

	pacingTimer int64 // ticks between interval boundaries
	udp         bool
	reverse     bool
	proto       string
	dir         string
	running     bool

	t0, t1, t3 int64
	nb0, nb1   int64 // bytes
	np0, np1   int64 // packets
	nm0, nm1   int64 // lost packets

	intervals []Interval
}

// New captures the pacing timer and role flags from the run parameters.
// sending says whether this side produces the test bytes; it only selects
// the direction label on the exported counters.
func New(p params.Parameters, sending bool) *Stats {
	proto := "tcp"
	if p.UDP {
		proto = "udp"
	}
	dir := "recv"
	if sending {
		dir = "send"
	}
	return &Stats{
		Out: os.Stdout,
		// pacing_timer is in us, convert to our resolution
		pacingTimer: int64(p.PacingTimer) * (ticks.PerSecond / 1e6),
		udp:         p.UDP,
		reverse:     p.Reverse,
		proto:       proto,
		dir:         dir,
	}
}

// Running reports whether Start has been called and Stop has not.
func (s *Stats) Running() bool {
	return s.running
}

// Start clears the counters, records the start tick and prints the
// column header.
func (s *Stats) Start() {
	s.running = true
	s.t0 = ticks.Now()
	s.t1 = s.t0
	s.nb0, s.nb1 = 0, 0
	s.np0, s.np1 = 0, 0
	s.nm0, s.nm1 = 0, 0
	extra := ""
	if s.udp {
		if s.reverse {
			extra = "         Jitter    Lost/Total Datagrams"
		} else {
			extra = "         Total Datagrams"
		}
	}
	fmt.Fprintln(s.Out, "Interval           Transfer     Bitrate"+extra)
}

// MaxDtMillis returns the number of milliseconds until the next pacing
// boundary, or -1 when the run is not live. -1 tells the poll primitive
// to block indefinitely.
func (s *Stats) MaxDtMillis() int {
	if !s.running {
		return -1
	}
	ms := (s.pacingTimer - ticks.Diff(ticks.Now(), s.t1)) / (ticks.PerSecond / 1000)
	if ms < 0 {
		ms = 0
	}
	return int(ms)
}

// AddBytes accounts n payload bytes and one packet. One TCP send or
// full-buffer receive counts as one packet, same as one UDP datagram.
func (s *Stats) AddBytes(n int64) {
	if !s.running {
		return
	}
	s.nb0 += n
	s.nb1 += n
	s.np0++
	s.np1++
	metrics.BytesTotal.WithLabelValues(s.proto, s.dir).Add(float64(n))
	metrics.PacketsTotal.WithLabelValues(s.proto, s.dir).Inc()
}

// AddLostPackets accounts n datagrams inferred lost from a sequence gap.
func (s *Stats) AddLostPackets(n int64) {
	s.np0 += n
	s.np1 += n
	s.nm0 += n
	s.nm1 += n
	metrics.LostPacketsTotal.Add(float64(n))
}

func (s *Stats) printLine(ta, tb float64, nb, np, nm int64, extra string) {
	dt := tb - ta
	rate := 0.0
	if dt > 0 {
		rate = float64(nb) * 8 / dt
	}
	fmt.Fprintf(s.Out, " %5.2f-%-5.2f  sec %sBytes %sbits/sec",
		ta, tb, FmtSize(float64(nb), 1024), FmtSize(rate, 1000))
	if s.udp {
		if s.reverse {
			total := np + nm
			if total < 1 {
				total = 1
			}
			fmt.Fprintf(s.Out, " %6.3f ms  %d/%d (%.1f%%)", 0.0, nm, np, 100*float64(nm)/float64(total))
		} else {
			fmt.Fprintf(s.Out, "  %d", np)
		}
	}
	fmt.Fprintln(s.Out, extra)
}

// Update emits an interval row and opens a new interval if the pacing
// timer has elapsed since the last boundary, or unconditionally when
// final is set. It is a no-op on the cumulative counters.
func (s *Stats) Update(final bool) {
	if !s.running {
		return
	}
	t2 := ticks.Now()
	dt := ticks.Diff(t2, s.t1)
	if !final && dt <= s.pacingTimer {
		return
	}
	ta := float64(ticks.Diff(s.t1, s.t0)) / float64(ticks.PerSecond)
	tb := float64(ticks.Diff(t2, s.t0)) / float64(ticks.PerSecond)
	s.printLine(ta, tb, s.nb1, s.np1, s.nm1, "")
	metrics.IntervalBytesHistogram.Observe(float64(s.nb1))
	if s.Capture {
		s.intervals = append(s.intervals, Interval{
			Start:   ta,
			End:     tb,
			Bytes:   s.nb1,
			Packets: s.np1,
			Lost:    s.nm1,
		})
	}
	s.t1 = t2
	s.nb1 = 0
	s.np1 = 0
	s.nm1 = 0
}

// Stop closes the final interval, records the end tick and prints the
// cumulative sender row.
func (s *Stats) Stop() {
	s.Update(true)
	s.running = false
	s.t3 = ticks.Now()
	dt := ticks.Diff(s.t3, s.t0)
	fmt.Fprintln(s.Out, strings.Repeat("- ", 30))
	s.printLine(0, float64(dt)/float64(ticks.PerSecond), s.nb0, s.np0, s.nm0, "  sender")
}

// ReportReceiver prints the peer's cumulative receiver row from the
// single stream of its exchanged results.
func (s *Stats) ReportReceiver(r params.Results) {
	if len(r.Streams) == 0 {
		return
	}
	st := r.Streams[0]
	s.printLine(st.StartTime, st.EndTime, st.Bytes, st.Packets, st.Errors, "  receiver")
}

// TotalBytes returns the cumulative byte count.
func (s *Stats) TotalBytes() int64 { return s.nb0 }

// TotalPackets returns the cumulative packet count.
func (s *Stats) TotalPackets() int64 { return s.np0 }

// TotalLost returns the cumulative lost-packet count.
func (s *Stats) TotalLost() int64 { return s.nm0 }

// EndTime returns the run duration in seconds, valid after Stop.
func (s *Stats) EndTime() float64 {
	return float64(ticks.Diff(s.t3, s.t0)) / float64(ticks.PerSecond)
}

// Results assembles this side's wire results from the final totals.
func (s *Stats) Results() params.Results {
	return params.NewResults(s.nb0, s.np0, s.nm0, s.EndTime())
}

// Intervals returns the captured interval slices.
func (s *Stats) Intervals() []Interval {
	return s.intervals
}

// FmtSize renders a magnitude as a number right-aligned in 5 characters,
// a space and a metric prefix: 7 characters with a prefix, 6 for values
// below 1000 that carry none. The prefix advances once the value reaches
// 1000. div is 1024
// for byte counts and 1000 for bit rates.
func FmtSize(val, div float64) string {
	for _, mult := range []string{"", "K", "M", "G"} {
		switch {
		case val < 10:
			return fmt.Sprintf("% 5.2f %s", val, mult)
		case val < 100:
			return fmt.Sprintf("% 5.1f %s", val, mult)
		case mult == "G" || val < 1000:
			return fmt.Sprintf("% 5.0f %s", val, mult)
		}
		val /= div
	}
	return ""
}
