// example-eventsocket-client is a minimal reference implementation of an
// iperf3 eventsocket client. It connects to a running server's event
// socket and logs every run that starts and completes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/netmeasure/iperf3/eventsocket"
)

var (
	mainCtx, mainCancel = context.WithCancel(context.Background())
)

// handler implements the eventsocket.Handler interface.
type handler struct {
	completions chan *eventsocket.Event
}

// Started is called synchronously, and blocks for every run start event.
func (h *handler) Started(ctx context.Context, event *eventsocket.Event) {
	log.Println("started ", event.Cookie, event.Timestamp, event.Params)
}

// Completed is called single-threaded and blocking for every run completion.
func (h *handler) Completed(ctx context.Context, event *eventsocket.Event) {
	log.Println("completed", event.Cookie, event.Timestamp)
	h.completions <- event
}

// ProcessCompletions reads and processes events received by the completion handler.
func (h *handler) ProcessCompletions(ctx context.Context) {
	for {
		select {
		case e := <-h.completions:
			if e.Results != nil && len(e.Results.Streams) > 0 {
				log.Printf("run %s moved %d bytes in %.2fs\n",
					e.Cookie, e.Results.Streams[0].Bytes, e.Results.Streams[0].EndTime)
			}
		case <-ctx.Done():
			log.Println("shutdown")
			return
		}
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")
	defer mainCancel()

	if *eventsocket.Filename == "" {
		panic("-iperf3.eventsocket path is required")
	}

	h := &handler{completions: make(chan *eventsocket.Event)}

	// Process events received by the eventsocket handler. The goroutine will
	// block until a completion occurs.
	go h.ProcessCompletions(mainCtx)

	// Begin listening on the eventsocket for new events, and dispatch them to
	// the given handler.
	go eventsocket.MustRun(mainCtx, *eventsocket.Filename, h)

	<-mainCtx.Done()
	fmt.Println("ok")
}
