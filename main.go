// iperf3 is a wire-compatible reimplementation of the iperf3 network
// throughput measurement tool: client and server roles over TCP and UDP,
// in normal and reverse directions, one stream per run.
//
// For comparison against the reference implementation, try
//   iperf3 -s            # peer server for this client
//   iperf3 -c <host>     # peer client for this server
package main

import (
	"context"
	"flag"
	"log"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/netmeasure/iperf3/client"
	"github.com/netmeasure/iperf3/eventsocket"
	"github.com/netmeasure/iperf3/export"
	"github.com/netmeasure/iperf3/server"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	serverMode = flag.Bool("s", false, "Run in server mode")
	clientHost = flag.String("c", "", "Run in client mode, connecting to the given host")
	port       = flag.Int("p", 5201, "Control channel port")
	udp        = flag.Bool("u", false, "Use UDP for the data channel")
	reverse    = flag.Bool("R", false, "Reverse direction: the server sends, the client receives")
	bandwidth  = flag.Int64("b", 10*1024*1024, "UDP target bandwidth in bits per second")
	length     = flag.Int("l", 0, "Payload length in bytes. 0 selects the protocol default")
	duration   = flag.Int("t", 10, "Test duration in seconds")
	reps       = flag.Int("reps", 0, "How many runs the server should accept, 0 means continuous")
	csvPath    = flag.String("csv", "", "Write per-interval records to this CSV file (client mode)")
	jsonlPath  = flag.String("intervals", "", "Write per-interval records to this JSONL file (client mode)")
	promPort   = flag.String("prom", "", "Prometheus metrics export address and port, e.g. ':9090'. Empty disables the listener")
	debug      = flag.Bool("debug", false, "Log protocol chatter")

	ctx, cancel = context.WithCancel(context.Background())
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")
	defer cancel()

	if *promPort != "" {
		promSrv := prometheusx.MustStartPrometheus(*promPort)
		defer promSrv.Shutdown(ctx)
	}

	switch {
	case *serverMode:
		events := eventsocket.NullServer()
		if *eventsocket.Filename != "" {
			events = eventsocket.New(*eventsocket.Filename)
			rtx.Must(events.Listen(), "Could not listen on %q", *eventsocket.Filename)
			go events.Serve(ctx)
		}
		cfg := server.Config{Port: *port, Debug: *debug, Events: events}
		rtx.Must(server.Serve(ctx, cfg, *reps), "Server failed")
	case *clientHost != "":
		cfg := client.Config{
			Host:      *clientHost,
			Port:      *port,
			UDP:       *udp,
			Reverse:   *reverse,
			Bandwidth: *bandwidth,
			Length:    *length,
			Time:      *duration,
			Debug:     *debug,
			Capture:   *csvPath != "" || *jsonlPath != "",
		}
		st, err := client.Run(cfg)
		rtx.Must(err, "Client run failed")
		if *csvPath != "" {
			rtx.Must(export.WriteCSVFile(st.Intervals(), *csvPath), "Could not write %q", *csvPath)
		}
		if *jsonlPath != "" {
			rtx.Must(export.WriteJSONLFile(st.Intervals(), *jsonlPath), "Could not write %q", *jsonlPath)
		}
	default:
		log.Fatal("Pass -s for server mode or -c <host> for client mode")
	}
}
