package datafile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFilename is used when no log name is given.
const DefaultFilename = "daq_recording.csv"

// maxCounter bounds the search for a free file name.
const maxCounter = 10000

// CandidateName builds the file name for the n-th attempt. A non-zero
// counter goes before the first "." of filename, the optional stamp goes
// before the extension, and ".gz" is appended for zipped logs.
func CandidateName(filename string, counter int, stamp string, zipped bool) string {
	if filename == "" {
		filename = DefaultFilename
	}
	base, ext := filename, ""
	if x := strings.Index(filename, "."); x >= 0 {
		base, ext = filename[:x], filename[x:]
	}
	if counter > 0 {
		base = fmt.Sprintf("%s_%d", base, counter)
	}
	if stamp != "" {
		base += "_" + stamp
	}
	name := base + ext
	if zipped {
		name += ".gz"
	}
	return name
}

// CreateUnique creates a new log in dir, adding a counter to the name until
// one is free. Existing files are never opened.
func CreateUnique(dir, filename, stamp string, zipped bool, schema Schema) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	for n := 0; n < maxCounter; n++ {
		path := filepath.Join(dir, CandidateName(filename, n, stamp, zipped))
		w, err := Create(path, schema)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return w, err
	}
	return nil, fmt.Errorf("no free file name for %q in %s", filename, dir)
}
