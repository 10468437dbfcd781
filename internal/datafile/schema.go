// Package datafile reads and writes the line-oriented recording log: comment
// lines, an optional column-name line, sample lines, and tagged marker and
// external-event lines.
package datafile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/large-farva/forcedaq/internal/config"
	"github.com/large-farva/forcedaq/internal/daq"
)

// Column names of the sample lines.
const (
	ColTime      = "time"
	ColDelay     = "delay"
	ColDeviceTag = "device_tag"
	ColTrigger1  = "trigger1"
	ColTrigger2  = "trigger2"
	ColAdjTime   = "adj_time"
)

// Schema selects the optional columns of a sample line. time and delay are
// always present.
type Schema struct {
	DeviceID bool
	Forces   [6]bool
	Trigger  [2]bool
	// AdjTime is set on converted files only.
	AdjTime bool
}

// FullSchema writes every column except adj_time.
func FullSchema() Schema {
	return Schema{
		DeviceID: true,
		Forces:   [6]bool{true, true, true, true, true, true},
		Trigger:  [2]bool{true, true},
	}
}

// SchemaFor returns the schema selected by the columns config section.
func SchemaFor(c config.ColumnsConfig) Schema {
	return Schema{
		DeviceID: c.DeviceID,
		Forces:   [6]bool{c.Fx, c.Fy, c.Fz, c.Tx, c.Ty, c.Tz},
		Trigger:  [2]bool{c.Trigger1, c.Trigger2},
	}
}

// Columns returns the column names in line order.
func (s Schema) Columns() []string {
	cols := []string{ColTime, ColDelay}
	if s.DeviceID {
		cols = append(cols, ColDeviceTag)
	}
	for i, name := range daq.ForceNames {
		if s.Forces[i] {
			cols = append(cols, name)
		}
	}
	if s.Trigger[0] {
		cols = append(cols, ColTrigger1)
	}
	if s.Trigger[1] {
		cols = append(cols, ColTrigger2)
	}
	if s.AdjTime {
		cols = append(cols, ColAdjTime)
	}
	return cols
}

// ColumnLine returns the comma-separated column-name line.
func (s Schema) ColumnLine() string {
	return strings.Join(s.Columns(), ",")
}

// IsColumnLine reports whether line is a column-name line.
func IsColumnLine(line string) bool {
	return strings.HasPrefix(line, ColTime+","+ColDelay)
}

// ParseColumns rebuilds a Schema from a column-name line.
func ParseColumns(line string) (Schema, error) {
	var s Schema
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 2 || fields[0] != ColTime || fields[1] != ColDelay {
		return s, fmt.Errorf("column line must start with %s,%s: %q", ColTime, ColDelay, line)
	}
	for _, f := range fields[2:] {
		switch f {
		case ColDeviceTag:
			s.DeviceID = true
		case ColTrigger1:
			s.Trigger[0] = true
		case ColTrigger2:
			s.Trigger[1] = true
		case ColAdjTime:
			s.AdjTime = true
		default:
			idx := forceIndex(f)
			if idx < 0 {
				return s, fmt.Errorf("unknown column %q", f)
			}
			s.Forces[idx] = true
		}
	}
	return s, nil
}

func forceIndex(name string) int {
	for i, n := range daq.ForceNames {
		if n == name {
			return i
		}
	}
	return -1
}

// formatFloat prints the shortest decimal that parses back to exactly v.
// Integral values carry no decimals.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatSample renders s as a sample line without the trailing newline. adj
// is appended only when the schema carries adj_time.
func (s Schema) FormatSample(smp daq.Sample, adj int64) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(smp.Time, 10))
	b.WriteByte(',')
	b.WriteString(strconv.FormatInt(smp.Delay, 10))
	if s.DeviceID {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(smp.DeviceID))
	}
	for i, on := range s.Forces {
		if on {
			b.WriteByte(',')
			b.WriteString(formatFloat(smp.Forces[i]))
		}
	}
	for i, on := range s.Trigger {
		if on {
			b.WriteByte(',')
			b.WriteString(formatFloat(smp.Trigger[i]))
		}
	}
	if s.AdjTime {
		b.WriteByte(',')
		b.WriteString(strconv.FormatInt(adj, 10))
	}
	return b.String()
}

// ParseSample parses a sample line. adj is zero unless the schema carries
// adj_time.
func (s Schema) ParseSample(line string) (smp daq.Sample, adj int64, err error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	want := len(s.Columns())
	if len(fields) != want {
		return smp, 0, fmt.Errorf("sample line has %d fields, want %d", len(fields), want)
	}

	next := 0
	pop := func() string {
		f := fields[next]
		next++
		return f
	}
	parseInt := func(col string) int64 {
		if err != nil {
			return 0
		}
		v, perr := strconv.ParseInt(pop(), 10, 64)
		if perr != nil {
			err = fmt.Errorf("column %s: %w", col, perr)
		}
		return v
	}
	parseFloat := func(col string) float64 {
		if err != nil {
			return 0
		}
		v, perr := strconv.ParseFloat(pop(), 64)
		if perr != nil {
			err = fmt.Errorf("column %s: %w", col, perr)
		}
		return v
	}

	smp.Time = parseInt(ColTime)
	smp.Delay = parseInt(ColDelay)
	if s.DeviceID {
		smp.DeviceID = int(parseInt(ColDeviceTag))
	}
	for i, on := range s.Forces {
		if on {
			smp.Forces[i] = parseFloat(daq.ForceNames[i])
		}
	}
	if s.Trigger[0] {
		smp.Trigger[0] = parseFloat(ColTrigger1)
	}
	if s.Trigger[1] {
		smp.Trigger[1] = parseFloat(ColTrigger2)
	}
	if s.AdjTime {
		adj = parseInt(ColAdjTime)
	}
	return smp, adj, err
}
