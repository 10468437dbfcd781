// Package priority asks the OS for elevated scheduling priority on the
// threads running sampling and event loops. Nothing is guaranteed: the
// obtained priority is read back and reported, and failures only warn.
package priority

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Level is a requested scheduling class.
type Level int

const (
	Normal Level = iota
	High
	Realtime
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "normal"
	case High:
		return "high"
	case Realtime:
		return "realtime"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel maps a config name to a Level. The empty string is Normal.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	case "realtime", "real-time":
		return Realtime, nil
	default:
		return Normal, fmt.Errorf("unknown priority level %q", s)
	}
}

// ErrUnsupported is reported on platforms without per-thread scheduling
// control.
var ErrUnsupported = errors.New("thread priority not supported on " + runtime.GOOS)

// Report is the outcome of a priority request for one execution context.
type Report struct {
	Context   string `json:"context"`
	TID       int    `json:"tid"`
	Requested string `json:"requested"`
	Nice      int    `json:"nice"`
	Policy    string `json:"policy"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}

// Coordinator tracks the threads of registered contexts and applies the
// current level to each of them.
type Coordinator struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	level   Level
	threads map[string]int
}

// New returns a coordinator at the Normal level.
func New(logger *zap.SugaredLogger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{log: logger, threads: make(map[string]int)}
}

// Level returns the level applied to new registrations.
func (c *Coordinator) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Enter locks the calling goroutine to its OS thread, registers the thread
// under name and applies the current level. It must be called from the
// goroutine being registered. The thread stays locked after release so the
// runtime discards it when the goroutine exits instead of reusing a thread
// with a changed priority.
func (c *Coordinator) Enter(name string) (release func()) {
	runtime.LockOSThread()
	tid := currentTID()

	c.mu.Lock()
	c.threads[name] = tid
	lvl := c.level
	c.mu.Unlock()

	if lvl != Normal {
		c.report(c.apply(name, tid, lvl))
	}
	return func() {
		c.mu.Lock()
		delete(c.threads, name)
		c.mu.Unlock()
	}
}

// SetLevel applies lvl to every registered context and remembers it for
// later registrations.
func (c *Coordinator) SetLevel(lvl Level) []Report {
	c.mu.Lock()
	c.level = lvl
	threads := c.snapshot()
	c.mu.Unlock()

	reports := make([]Report, 0, len(threads))
	for _, t := range threads {
		rep := c.apply(t.name, t.tid, lvl)
		c.report(rep)
		reports = append(reports, rep)
	}
	return reports
}

// Reports reads back the priority of every registered context.
func (c *Coordinator) Reports() []Report {
	c.mu.Lock()
	lvl := c.level
	threads := c.snapshot()
	c.mu.Unlock()

	reports := make([]Report, 0, len(threads))
	for _, t := range threads {
		rep := Report{Context: t.name, TID: t.tid, Requested: lvl.String()}
		rep.Nice, rep.Policy, rep.Err = readPriority(t.tid)
		if rep.Err != nil {
			rep.Error = rep.Err.Error()
		}
		reports = append(reports, rep)
	}
	return reports
}

type thread struct {
	name string
	tid  int
}

// snapshot must be called with mu held.
func (c *Coordinator) snapshot() []thread {
	out := make([]thread, 0, len(c.threads))
	for name, tid := range c.threads {
		out = append(out, thread{name: name, tid: tid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (c *Coordinator) apply(name string, tid int, lvl Level) Report {
	rep := Report{Context: name, TID: tid, Requested: lvl.String()}
	if err := applyLevel(tid, lvl); err != nil {
		rep.Err = err
	} else {
		rep.Nice, rep.Policy, rep.Err = readPriority(tid)
	}
	if rep.Err != nil {
		rep.Error = rep.Err.Error()
	}
	return rep
}

func (c *Coordinator) report(rep Report) {
	if rep.Err != nil {
		c.log.Warnw("priority request not granted", "context", rep.Context, "tid", rep.TID,
			"requested", rep.Requested, "error", rep.Err)
		return
	}
	c.log.Infow("priority set", "context", rep.Context, "tid", rep.TID,
		"requested", rep.Requested, "nice", rep.Nice, "policy", rep.Policy)
}

// MainPriority returns the niceness of the current process.
func MainPriority() (int, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	nice, err := p.Nice()
	return int(nice), err
}
