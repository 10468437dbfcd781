package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jacobsa/go-serial/serial"
)

// Serial reads frames from a serial-attached DAQ board that prints one
// frame per line: six raw channels followed by up to two trigger levels,
// comma separated.
type Serial struct {
	port   io.ReadCloser
	reader *bufio.Reader

	// timedReads is set when an empty read means the port's read timeout
	// expired rather than end of stream.
	timedReads bool
	partial    strings.Builder
}

// readTimeoutMs bounds each port read, so ReadFrame notices a cancelled
// context within about this long even when the board goes quiet.
const readTimeoutMs = 100

// OpenSerial opens portName at baud 8N1.
func OpenSerial(portName string, baud int) (Source, error) {
	opts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: readTimeoutMs,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, err
	}
	return newSerial(port, true), nil
}

// NewSerial reads frames from an already opened stream. End of stream is
// returned as io.EOF.
func NewSerial(port io.ReadCloser) *Serial {
	return newSerial(port, false)
}

func newSerial(port io.ReadCloser, timedReads bool) *Serial {
	return &Serial{port: port, reader: bufio.NewReader(port), timedReads: timedReads}
}

// ReadFrame reads one line from the port. On a port opened with a read
// timeout it returns ctx.Err() within one timeout of cancellation; a line
// cut by a timeout is kept and completed by later reads.
func (s *Serial) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		chunk, err := s.reader.ReadString('\n')
		s.partial.WriteString(chunk)
		if err == nil {
			line := s.partial.String()
			s.partial.Reset()
			return ParseFrame(line)
		}
		if s.timedReads && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress)) {
			continue
		}
		return Frame{}, err
	}
}

func (s *Serial) Close() error {
	return s.port.Close()
}

// ParseFrame decodes one "r1,..,r6[,t1[,t2]]" line.
func ParseFrame(line string) (Frame, error) {
	var f Frame
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 6 || len(fields) > 8 {
		return f, fmt.Errorf("frame has %d fields, want 6 to 8", len(fields))
	}
	for i, field := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return f, fmt.Errorf("frame field %d: %w", i, err)
		}
		if i < 6 {
			f.Raw[i] = v
		} else {
			f.Trigger[i-6] = v
		}
	}
	return f, nil
}
