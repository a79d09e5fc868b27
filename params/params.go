// Package params models the JSON objects exchanged on the iperf3 control
// channel: the test parameters sent by the client at PARAM_EXCHANGE and
// the per-side results exchanged at EXCHANGE_RESULTS.
//
// The peer is an independent iperf3 implementation and may send fields
// beyond the recognized set; decoding is permissive (unknown keys are
// ignored, missing keys keep their defaults) while encoding emits only
// the recognized fields.
package params

import "errors"

// Errors generated when validating peer parameters.
var (
	ErrNoProtocol = errors.New("parameters must select exactly one of tcp or udp")
)

// Default payload sizes, in bytes. The UDP default fits one ethernet
// frame after IP+UDP overhead.
const (
	DefaultTCPLen = 3000
	DefaultUDPLen = 1500 - 42
)

// DefaultBandwidth is the default UDP send-rate target in bits per second.
const DefaultBandwidth = 10 * 1024 * 1024

// Parameters is the client's test description.
type Parameters struct {
	ClientVersion string `json:"client_version"`
	Omit          int    `json:"omit"`
	Parallel      int    `json:"parallel"`
	// PacingTimer is the interval between stats-interval boundaries, in
	// microseconds.
	PacingTimer int `json:"pacing_timer"`
	// Time is the test duration in seconds.
	Time int `json:"time"`
	// Bandwidth is the target rate in bits per second, used to pace UDP.
	Bandwidth int64 `json:"bandwidth,omitempty"`
	TCP       bool  `json:"tcp,omitempty"`
	UDP       bool  `json:"udp,omitempty"`
	Reverse   bool  `json:"reverse,omitempty"`
	// Len is the data payload size in bytes.
	Len int `json:"len"`
}

// Default returns a Parameters with the transport-independent fields at
// their protocol defaults. Len, Bandwidth and the TCP/UDP flags are left
// zero; exactly one of TCP or UDP must be set by the caller before use.
func Default() Parameters {
	return Parameters{
		ClientVersion: "3.6",
		Omit:          0,
		Parallel:      1,
		PacingTimer:   1000,
		Time:          10,
	}
}

// ForClient builds the parameter set a client sends for a run. A length
// of zero selects the protocol default payload size.
func ForClient(udp, reverse bool, bandwidth int64, length, seconds int) Parameters {
	p := Default()
	p.Time = seconds
	p.Bandwidth = bandwidth
	p.Reverse = reverse
	if udp {
		p.UDP = true
		p.Len = DefaultUDPLen
	} else {
		p.TCP = true
		p.Len = DefaultTCPLen
	}
	if length > 0 {
		p.Len = length
	}
	return p
}

// Validate checks that the parameters name exactly one transport.
func (p *Parameters) Validate() error {
	if p.TCP == p.UDP {
		return ErrNoProtocol
	}
	return nil
}

// StreamResult is the per-stream slice of a Results object. This
// implementation always reports exactly one stream.
type StreamResult struct {
	ID          int     `json:"id"`
	Bytes       int64   `json:"bytes"`
	Retransmits int64   `json:"retransmits"`
	Jitter      float64 `json:"jitter"`
	Errors      int64   `json:"errors"`
	Packets     int64   `json:"packets"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
}

// Results is one side's summary, exchanged at EXCHANGE_RESULTS. The CPU
// utilization fields are wire-compatibility placeholders.
type Results struct {
	CPUUtilTotal         float64        `json:"cpu_util_total"`
	CPUUtilUser          float64        `json:"cpu_util_user"`
	CPUUtilSystem        float64        `json:"cpu_util_system"`
	SenderHasRetransmits int            `json:"sender_has_retransmits"`
	CongestionUsed       string         `json:"congestion_used"`
	Streams              []StreamResult `json:"streams"`
}

// NewResults assembles a single-stream Results from final run totals.
// Jitter is reported as zero, matching peer behavior.
func NewResults(bytes, packets, lost int64, endTime float64) Results {
	return Results{
		CPUUtilTotal:         1,
		CPUUtilUser:          0.5,
		CPUUtilSystem:        0.5,
		SenderHasRetransmits: 1,
		CongestionUsed:       "cubic",
		Streams: []StreamResult{{
			ID:          1,
			Bytes:       bytes,
			Retransmits: 0,
			Jitter:      0,
			Errors:      lost,
			Packets:     packets,
			StartTime:   0,
			EndTime:     endTime,
		}},
	}
}
