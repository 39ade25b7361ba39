// Package tailer follows a fixed set of log files from their current end,
// handling log rotation via inode comparison. It knows nothing about line
// content — classification and filtering happen downstream.
package tailer

import (
	"bufio"
	"io"
	"log"
	"os"
	"syscall"
)

type fileState struct {
	path   string
	file   *os.File
	reader *bufio.Reader
	inode  uint64
}

// Tailer follows multiple log files, surfacing only lines appended after
// Start was called.
type Tailer struct {
	files []*fileState
}

// New constructs an empty Tailer; paths only sizes its file list and no
// file is opened. Start opens the paths: one that does not exist yet is
// logged and retried on every Poll.
func New(paths []string) *Tailer {
	return &Tailer{files: make([]*fileState, 0, len(paths))}
}

// Start opens each configured path, seeking to its current end so only
// lines written after startup are surfaced.
func Start(paths []string) *Tailer {
	t := New(paths)
	for _, p := range paths {
		fs, err := openAtEnd(p)
		if err != nil {
			log.Printf("[tailer] cannot open %s: %v", p, err)
			t.files = append(t.files, &fileState{path: p})
			continue
		}
		t.files = append(t.files, fs)
	}
	return t
}

func openAtEnd(path string) (*fileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return &fileState{
		path:   path,
		file:   f,
		reader: bufio.NewReader(f),
		inode:  inodeOf(info),
	}, nil
}

func inodeOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// Line is a single raw line read from one of the tailed files.
type Line struct {
	Path string
	Text string
}

// Poll checks each file for rotation, then reads all complete lines
// currently available. It never blocks; callers own the poll interval.
func (t *Tailer) Poll() []Line {
	var out []Line
	for i, fs := range t.files {
		if fs.file == nil {
			reopened, err := openAtStart(fs.path)
			if err != nil {
				continue
			}
			t.files[i] = reopened
			fs = reopened
		}
		t.checkRotation(fs)
		out = append(out, t.readAvailable(fs)...)
	}
	return out
}

// openAtStart reopens a file that was previously missing; since it's new
// to us, we read from its beginning rather than its end.
func openAtStart(path string) (*fileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileState{
		path:   path,
		file:   f,
		reader: bufio.NewReader(f),
		inode:  inodeOf(info),
	}, nil
}

func (t *Tailer) checkRotation(fs *fileState) {
	info, err := os.Stat(fs.path)
	if err != nil {
		return
	}
	if inodeOf(info) == fs.inode {
		return
	}
	log.Printf("[tailer] rotation detected on %s", fs.path)
	fs.file.Close()
	f, err := os.Open(fs.path)
	if err != nil {
		fs.file = nil
		return
	}
	fs.file = f
	fs.reader = bufio.NewReader(f)
	fs.inode = inodeOf(info)
}

func (t *Tailer) readAvailable(fs *fileState) []Line {
	if fs.file == nil {
		return nil
	}
	var lines []Line
	for {
		text, err := fs.reader.ReadString('\n')
		if text != "" && err == nil {
			lines = append(lines, Line{Path: fs.path, Text: trimNewline(text)})
			continue
		}
		if text != "" && err != nil {
			// Partial line at EOF; rewind so the next Poll re-reads it
			// once the writer completes it.
			if _, serr := fs.file.Seek(-int64(len(text)), io.SeekCurrent); serr == nil {
				fs.reader = bufio.NewReader(fs.file)
			}
		}
		break
	}
	return lines
}

func trimNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '\r' {
		s = s[:len(s)-1]
	}
	return s
}

// Stop closes all open file handles.
func (t *Tailer) Stop() {
	for _, fs := range t.files {
		if fs.file != nil {
			fs.file.Close()
		}
	}
}
