package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Statistics reports the disk usage of the file system holding a directory
type Statistics struct {
	dir string
}

func NewStatistics(dir string) *Statistics {
	return &Statistics{dir: dir}
}

// UsableSpace returns the number of bytes available to the process
func (s *Statistics) UsableSpace() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// TotalSpace returns the size of the file system in bytes
func (s *Statistics) TotalSpace() (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.dir, err)
	}
	return st.Blocks * uint64(st.Bsize), nil
}

// UsableRatio returns the fraction of the file system still available
func (s *Statistics) UsableRatio() (float64, error) {
	usable, err := s.UsableSpace()
	if err != nil {
		return 0, err
	}
	total, err := s.TotalSpace()
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(usable) / float64(total), nil
}
