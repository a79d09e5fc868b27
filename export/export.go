// Package export writes the per-interval records captured during a run to
// CSV or JSONL files, for offline analysis of a measurement session.
package export

import (
	"encoding/json"
	"io"
	"os"

	"github.com/gocarina/gocsv"

	"github.com/netmeasure/iperf3/stats"
)

// WriteCSV marshals the interval records as CSV.
func WriteCSV(intervals []stats.Interval, w io.Writer) error {
	return gocsv.Marshal(intervals, w)
}

// WriteCSVFile writes the interval records to a new CSV file at path.
func WriteCSVFile(intervals []stats.Interval, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(intervals, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteJSONL writes one interval record per line.
func WriteJSONL(intervals []stats.Interval, w io.Writer) error {
	enc := json.NewEncoder(w)
	for i := range intervals {
		if err := enc.Encode(intervals[i]); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSONLFile writes the interval records to a new JSONL file at path.
func WriteJSONLFile(intervals []stats.Interval, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteJSONL(intervals, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadJSONL loads interval records written by WriteJSONL.
func ReadJSONL(r io.Reader) ([]stats.Interval, error) {
	dec := json.NewDecoder(r)
	var out []stats.Interval
	for {
		var iv stats.Interval
		if err := dec.Decode(&iv); err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
}
