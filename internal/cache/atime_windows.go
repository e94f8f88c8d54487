//go:build windows

package cache

import (
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// accessTime returns the last-access time recorded for a file. Falls
// back to the modification time when the platform data is unavailable.
func accessTime(info os.FileInfo) time.Time {
	attr, ok := info.Sys().(*windows.Win32FileAttributeData)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(0, attr.LastAccessTime.Nanoseconds())
}
