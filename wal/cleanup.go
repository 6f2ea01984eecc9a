package wal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup results
type CleanupStats struct {
	FilesRemoved int
	BytesFreed   int64
}

// Cleanup removes journal files whose modification time is older than
// the retention period. The newest file is always kept so the sequence
// survives a restart.
func Cleanup(dir string, config Config) (CleanupStats, error) {
	return cleanupBefore(dir, config, time.Now())
}

func cleanupBefore(dir string, config Config, now time.Time) (CleanupStats, error) {
	config = config.withDefaults()
	cutoff := now.AddDate(0, 0, -config.RetentionDays)

	files := findAllWALFiles(dir, config.FilePrefix)
	if len(files) == 0 {
		return CleanupStats{}, nil
	}

	var stats CleanupStats
	for _, file := range files[:len(files)-1] {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		stats.FilesRemoved++
		stats.BytesFreed += info.Size()
	}
	return stats, nil
}
