package storage

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bujia-iot/dmtp-zinx/pkg/event"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CSVSink 按设备写 account_device.csv 归档文件
type CSVSink struct {
	dir        string
	loc        *time.Location
	maxSizeMB  int
	maxBackups int

	mu      sync.Mutex
	writers map[string]io.WriteCloser
	open    func(path string) io.WriteCloser
}

// NewCSVSink 创建归档，maxSizeMB/maxBackups 为每个文件的轮转参数
func NewCSVSink(dir string, maxSizeMB, maxBackups int) *CSVSink {
	s := &CSVSink{
		dir:        dir,
		loc:        time.Local,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
		writers:    make(map[string]io.WriteCloser),
	}
	s.open = s.rotatingFile
	return s
}

func (s *CSVSink) rotatingFile(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    s.maxSizeMB,
		MaxBackups: s.maxBackups,
		LocalTime:  true,
	}
}

// FileName 设备的归档文件名
func FileName(account, device string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			if r == '/' || r == '\\' || r == '.' {
				return '_'
			}
			return r
		}, s)
	}
	return clean(account) + "_" + clean(device) + ".csv"
}

// Append 实现 EventArchive
func (s *CSVSink) Append(ev *event.GeoEvent) error {
	name := FileName(ev.Account, ev.Device)

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[name]
	if !ok {
		w = s.open(filepath.Join(s.dir, name))
		s.writers[name] = w
	}
	if _, err := io.WriteString(w, ev.CSVRecord(s.loc)+"\n"); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Close 关闭所有文件
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for name, w := range s.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.writers, name)
	}
	return first
}
