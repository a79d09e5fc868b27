package export_test

import (
	"bytes"
	"io/ioutil"
	"os"
	"strings"
	"testing"

	"github.com/go-test/deep"

	"github.com/m-lab/go/rtx"

	"github.com/netmeasure/iperf3/export"
	"github.com/netmeasure/iperf3/stats"
)

var testIntervals = []stats.Interval{
	{Start: 0, End: 0.001, Bytes: 3000, Packets: 1, Lost: 0},
	{Start: 0.001, End: 0.002, Bytes: 6000, Packets: 2, Lost: 1},
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	rtx.Must(export.WriteCSV(testIntervals, &buf), "Could not marshal intervals")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows: %q", len(lines), buf.String())
	}
	for _, col := range []string{"start", "end", "bytes", "packets", "lost"} {
		if !strings.Contains(lines[0], col) {
			t.Errorf("header %q missing column %q", lines[0], col)
		}
	}
	if !strings.Contains(lines[2], "6000") || !strings.Contains(lines[2], "1") {
		t.Errorf("second row lost its values: %q", lines[2])
	}
}

func TestJSONLRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rtx.Must(export.WriteJSONL(testIntervals, &buf), "Could not write JSONL")
	got, err := export.ReadJSONL(&buf)
	rtx.Must(err, "Could not read JSONL back")
	if diff := deep.Equal(testIntervals, got); diff != nil {
		t.Error(diff)
	}
}

func TestFileVariants(t *testing.T) {
	dir, err := ioutil.TempDir("", "TestExportFiles")
	rtx.Must(err, "Could not create tempdir")
	defer os.RemoveAll(dir)

	csvPath := dir + "/intervals.csv"
	rtx.Must(export.WriteCSVFile(testIntervals, csvPath), "Could not write CSV file")
	data, err := ioutil.ReadFile(csvPath)
	rtx.Must(err, "Could not read CSV file back")
	if !strings.Contains(string(data), "3000") {
		t.Errorf("CSV file lost its rows: %q", data)
	}

	jsonlPath := dir + "/intervals.jsonl"
	rtx.Must(export.WriteJSONLFile(testIntervals, jsonlPath), "Could not write JSONL file")
	f, err := os.Open(jsonlPath)
	rtx.Must(err, "Could not open JSONL file")
	defer f.Close()
	got, err := export.ReadJSONL(f)
	rtx.Must(err, "Could not parse JSONL file")
	if diff := deep.Equal(testIntervals, got); diff != nil {
		t.Error(diff)
	}
}
