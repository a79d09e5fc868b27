// Main package in intervalcsv implements a command line tool for
// converting interval records captured with the -intervals flag to CSV
// files. It reads JSONL from stdin or from the file named as its single
// argument and writes CSV to stdout.
package main

import (
	"io"
	"log"
	"os"

	"github.com/m-lab/go/rtx"

	"github.com/netmeasure/iperf3/export"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser = os.Stdin
	var err error
	if len(args) == 1 {
		source, err = os.Open(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	}
	defer source.Close()

	intervals, err := export.ReadJSONL(source)
	rtx.Must(err, "Could not read interval records")
	rtx.Must(export.WriteCSV(intervals, os.Stdout), "Could not convert input to CSV")
}
