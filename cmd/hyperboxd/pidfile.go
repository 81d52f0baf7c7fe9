package main

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// pidfile holds an exclusive, non-blocking flock on hyperboxd.pid for the
// lifetime of one daemon process, so a second invocation against the same
// data directory fails fast instead of corrupting shared bbolt/overlay
// state underneath a running instance.
type pidfile struct {
	f *os.File
}

// acquirePidfile takes the lock and writes the current PID into
// <dataDir>/hyperboxd.pid. Callers must defer release().
func acquirePidfile(dataDir string) (*pidfile, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dataDir, "hyperboxd.pid")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pidfile: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another hyperboxd instance already holds %s", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pidfile: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pidfile: %w", err)
	}

	return &pidfile{f: f}, nil
}

// release drops the lock and removes the pidfile.
func (p *pidfile) release() {
	path := p.f.Name()
	unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
	p.f.Close()
	os.Remove(path)
}
