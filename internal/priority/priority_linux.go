//go:build linux

package priority

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	highNice         = -10
	realtimePriority = 50
)

func currentTID() int {
	return unix.Gettid()
}

func applyLevel(tid int, lvl Level) error {
	attr := &unix.SchedAttr{Size: unix.SizeofSchedAttr}
	switch lvl {
	case Realtime:
		attr.Policy = unix.SCHED_FIFO
		attr.Priority = realtimePriority
	case High:
		attr.Policy = unix.SCHED_NORMAL
		attr.Nice = highNice
	default:
		attr.Policy = unix.SCHED_NORMAL
	}
	if err := unix.SchedSetAttr(tid, attr, 0); err != nil {
		return fmt.Errorf("sched_setattr tid %d: %w", tid, err)
	}
	return nil
}

func readPriority(tid int) (nice int, policy string, err error) {
	// The raw syscall returns 20 - nice.
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, tid)
	if err != nil {
		return 0, "", fmt.Errorf("getpriority tid %d: %w", tid, err)
	}
	attr, err := unix.SchedGetAttr(tid, 0)
	if err != nil {
		return 20 - prio, "", fmt.Errorf("sched_getattr tid %d: %w", tid, err)
	}
	return 20 - prio, policyName(attr.Policy), nil
}

func policyName(p uint32) string {
	switch p {
	case unix.SCHED_NORMAL:
		return "SCHED_OTHER"
	case unix.SCHED_FIFO:
		return "SCHED_FIFO"
	case unix.SCHED_RR:
		return "SCHED_RR"
	case unix.SCHED_BATCH:
		return "SCHED_BATCH"
	case unix.SCHED_IDLE:
		return "SCHED_IDLE"
	default:
		return fmt.Sprintf("policy(%d)", p)
	}
}
