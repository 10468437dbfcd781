package datafile

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/large-farva/forcedaq/internal/daq"
)

// Line is one parsed record. AdjTime is set only for samples read from a
// converted file.
type Line struct {
	Record  daq.Record
	AdjTime *int64
}

// Dataset is the full content of a log.
type Dataset struct {
	Comments []string
	Schema   Schema
	// HasColumnLine is false when the schema came from the fallback.
	HasColumnLine bool
	Lines         []Line
}

// Samples returns the sample records in file order.
func (d *Dataset) Samples() []daq.Sample {
	var out []daq.Sample
	for _, l := range d.Lines {
		if s, ok := l.Record.(daq.Sample); ok {
			out = append(out, s)
		}
	}
	return out
}

// Markers returns the marker records in file order.
func (d *Dataset) Markers() []daq.MarkerEvent {
	var out []daq.MarkerEvent
	for _, l := range d.Lines {
		if m, ok := l.Record.(daq.MarkerEvent); ok {
			out = append(out, m)
		}
	}
	return out
}

// Read parses a log. fallback is the sample schema used when the log has no
// column-name line.
func Read(r io.Reader, fallback Schema) (*Dataset, error) {
	ds := &Dataset{Schema: fallback}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, daq.TagMarker+","):
			t, rest, err := splitTagged(line, daq.TagMarker)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			ds.Lines = append(ds.Lines, Line{Record: daq.MarkerEvent{Time: t, Code: rest}})
		case strings.HasPrefix(line, daq.TagEvent+","):
			t, rest, err := splitTagged(line, daq.TagEvent)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			ds.Lines = append(ds.Lines, Line{Record: daq.ExternalEvent{
				Time:             t,
				Payload:          rest,
				IsControlCommand: daq.IsControlPayload(rest),
			}})
		case strings.HasPrefix(line, daq.TagComment):
			ds.Comments = append(ds.Comments, strings.TrimPrefix(line, daq.TagComment))
		case IsColumnLine(line):
			schema, err := ParseColumns(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			ds.Schema = schema
			ds.HasColumnLine = true
		default:
			smp, adj, err := ds.Schema.ParseSample(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			l := Line{Record: smp}
			if ds.Schema.AdjTime {
				l.AdjTime = &adj
			}
			ds.Lines = append(ds.Lines, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ds, nil
}

// ReadFile opens path, transparently decompressing ".gz" files, and parses it.
func ReadFile(path string, fallback Schema) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if IsZipped(path) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	ds, err := Read(r, fallback)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

func splitTagged(line, tag string) (int64, string, error) {
	parts := strings.SplitN(line, ",", 3)
	if len(parts) < 3 {
		return 0, "", fmt.Errorf("%s line needs a time and a value: %q", tag, line)
	}
	t, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%s time: %w", tag, err)
	}
	return t, parts[2], nil
}
