//go:build !linux && !darwin && !windows

package cache

import (
	"os"
	"time"
)

// accessTime falls back to the modification time on platforms where
// last-access data is not exposed through os.FileInfo.
func accessTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
