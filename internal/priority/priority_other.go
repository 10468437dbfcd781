//go:build !linux

package priority

func currentTID() int { return 0 }

func applyLevel(int, Level) error { return ErrUnsupported }

func readPriority(int) (int, string, error) { return 0, "", ErrUnsupported }
