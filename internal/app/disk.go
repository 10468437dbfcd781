package app

import "github.com/shirou/gopsutil/v3/disk"

// diskUsage returns usage stats of the filesystem holding path, or nil on
// error.
func diskUsage(path string) map[string]any {
	u, err := disk.Usage(path)
	if err != nil {
		return nil
	}
	return map[string]any{
		"total_bytes":     u.Total,
		"used_bytes":      u.Used,
		"available_bytes": u.Free,
		"used_percent":    u.UsedPercent,
	}
}
