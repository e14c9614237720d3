package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const backupLayout = "20060102T150405"

// RotatingFile is an append-only log file at a stable path. Before a write
// that would push it past MaxBytes, or on the first write of a new UTC day,
// the current file is renamed to <name>-<timestamp><ext> and a fresh one is
// opened. Only the newest MaxBackups renamed files are kept.
type RotatingFile struct {
	Path       string
	MaxBytes   int64
	MaxBackups int

	now    func() time.Time
	mu     sync.Mutex
	file   *os.File
	size   int64
	opened string // UTC day of the open file
}

// OpenRotatingFile opens path for appending, creating parent directories.
func OpenRotatingFile(path string, maxBytes int64, maxBackups int) (*RotatingFile, error) {
	rf := &RotatingFile{Path: path, MaxBytes: maxBytes, MaxBackups: maxBackups, now: time.Now}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) clock() time.Time {
	if rf.now == nil {
		return time.Now().UTC()
	}
	return rf.now().UTC()
}

func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		if err := rf.open(); err != nil {
			return 0, err
		}
	}
	if rf.due(int64(len(p))) {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Sync flushes the open file.
func (rf *RotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	return rf.file.Sync()
}

func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

func (rf *RotatingFile) due(incoming int64) bool {
	if rf.size == 0 {
		return false
	}
	if rf.opened != rf.clock().Format(time.DateOnly) {
		return true
	}
	return rf.MaxBytes > 0 && rf.size+incoming > rf.MaxBytes
}

func (rf *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.Path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(rf.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rf.file = f
	rf.size = st.Size()
	rf.opened = rf.clock().Format(time.DateOnly)
	if rf.size > 0 {
		// an existing file keeps the day it was last written
		rf.opened = st.ModTime().UTC().Format(time.DateOnly)
	}
	return nil
}

func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	rf.file = nil
	if err := os.Rename(rf.Path, rf.backupName()); err != nil {
		return fmt.Errorf("rotate log file: %w", err)
	}
	if err := rf.open(); err != nil {
		return err
	}
	rf.prune()
	return nil
}

func (rf *RotatingFile) backupName() string {
	ext := filepath.Ext(rf.Path)
	stem := strings.TrimSuffix(rf.Path, ext)
	name := fmt.Sprintf("%s-%s%s", stem, rf.clock().Format(backupLayout), ext)
	for i := 2; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s-%s.%d%s", stem, rf.clock().Format(backupLayout), i, ext)
	}
}

// Backups lists rotated files, oldest first.
func (rf *RotatingFile) Backups() []string {
	ext := filepath.Ext(rf.Path)
	stem := strings.TrimSuffix(rf.Path, ext)
	matches, _ := filepath.Glob(stem + "-*" + ext)
	key := func(name string) (string, int) {
		ts := strings.TrimSuffix(strings.TrimPrefix(name, stem+"-"), ext)
		stamp, idx, ok := strings.Cut(ts, ".")
		if !ok {
			return stamp, 1
		}
		n, err := strconv.Atoi(idx)
		if err != nil {
			return stamp, 0
		}
		return stamp, n
	}
	sort.Slice(matches, func(i, j int) bool {
		si, ni := key(matches[i])
		sj, nj := key(matches[j])
		if si != sj {
			return si < sj
		}
		return ni < nj
	})
	return matches
}

func (rf *RotatingFile) prune() {
	if rf.MaxBackups <= 0 {
		return
	}
	backups := rf.Backups()
	for len(backups) > rf.MaxBackups {
		_ = os.Remove(backups[0])
		backups = backups[1:]
	}
}
