// Package results manages the on-disk result directory of a run.
package results

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/multierr"
)

// Per job files.
const (
	JournalFile = "journal.txt"
	OutFile     = "out.txt"
	ErrFile     = "err.txt"
	DmesgFile   = "dmesg.txt"
	CommsFile   = "comms"
)

// Top level files.
const (
	UnameFile     = "uname.txt"
	StartTimeFile = "starttime.txt"
	EndTimeFile   = "endtime.txt"
	AbortedFile   = "aborted.txt"
	CoverageDir   = "code_cov"
)

var jobFiles = []string{JournalFile, OutFile, ErrFile, DmesgFile, CommsFile}

var markerFiles = []string{UnameFile, StartTimeFile, EndTimeFile, AbortedFile}

// Files are the open result files of a single job. Comms is nil when a job
// opened for reading never used structured comms.
type Files struct {
	Journal *os.File
	Out     *os.File
	Err     *os.File
	Dmesg   *os.File
	Comms   *os.File
}

// JobDir returns the result directory of the job at index.
func JobDir(root string, index int) string {
	return filepath.Join(root, strconv.Itoa(index))
}

// OpenForWrite opens or creates every result file in dir for appending. Text
// files that do not end in a newline get one, so output of a resumed job
// starts on a fresh line.
func OpenForWrite(dir string) (*Files, error) {
	files := &Files{}
	targets := []struct {
		name string
		f    **os.File
		text bool
	}{
		{JournalFile, &files.Journal, true},
		{OutFile, &files.Out, true},
		{ErrFile, &files.Err, true},
		{DmesgFile, &files.Dmesg, true},
		{CommsFile, &files.Comms, false},
	}

	for _, t := range targets {
		f, err := os.OpenFile(filepath.Join(dir, t.name), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("opening %s: %w", t.name, err), files.Close())
		}
		*t.f = f
		if t.text {
			if err := ensureTrailingNewline(f); err != nil {
				return nil, multierr.Append(fmt.Errorf("preparing %s: %w", t.name, err), files.Close())
			}
		}
	}
	return files, nil
}

// OpenForRead opens the result files of dir read-only. The journal is
// required; a missing or empty comms file leaves Comms nil.
func OpenForRead(dir string) (*Files, error) {
	files := &Files{}
	journal, err := os.Open(filepath.Join(dir, JournalFile))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", JournalFile, err)
	}
	files.Journal = journal

	optional := []struct {
		name string
		f    **os.File
	}{
		{OutFile, &files.Out},
		{ErrFile, &files.Err},
		{DmesgFile, &files.Dmesg},
		{CommsFile, &files.Comms},
	}
	for _, o := range optional {
		f, err := os.Open(filepath.Join(dir, o.name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("opening %s: %w", o.name, err), files.Close())
		}
		*o.f = f
	}

	if files.Comms != nil {
		if st, err := files.Comms.Stat(); err == nil && st.Size() == 0 {
			_ = files.Comms.Close()
			files.Comms = nil
		}
	}
	return files, nil
}

// Close closes every open file.
func (f *Files) Close() error {
	var err error
	for _, file := range []**os.File{&f.Journal, &f.Out, &f.Err, &f.Dmesg, &f.Comms} {
		if *file == nil {
			continue
		}
		err = multierr.Append(err, (*file).Close())
		*file = nil
	}
	return err
}

// WriteJournal appends one line to the journal.
func (f *Files) WriteJournal(line string, sync bool) error {
	if _, err := io.WriteString(f.Journal, line+"\n"); err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	if sync {
		return f.Journal.Sync()
	}
	return nil
}

func ensureTrailingNewline(f *os.File) error {
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

// ClearPriorResults removes a previous run from root: the job files and
// directories 0..N-1 of every consecutively numbered job, the top level
// marker files and coverage archives. Anything else is left in place, and a
// job directory holding unknown files is reported as an error.
func ClearPriorResults(root string) error {
	for _, name := range markerFiles {
		if err := removeIfExists(filepath.Join(root, name)); err != nil {
			return err
		}
	}

	for i := 0; ; i++ {
		dir := JobDir(root, i)
		st, err := os.Stat(dir)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return fmt.Errorf("checking %s: %w", dir, err)
		}
		if !st.IsDir() {
			break
		}
		for _, name := range jobFiles {
			if err := removeIfExists(filepath.Join(dir, name)); err != nil {
				return err
			}
		}
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}

	if err := os.RemoveAll(filepath.Join(root, CoverageDir)); err != nil {
		return fmt.Errorf("removing coverage results: %w", err)
	}
	return nil
}

// HighestJobDir returns the index of the last consecutively numbered job
// directory under root, or -1 when there is none.
func HighestJobDir(root string) int {
	i := 0
	for {
		st, err := os.Stat(JobDir(root, i))
		if err != nil || !st.IsDir() {
			return i - 1
		}
		i++
	}
}

// WriteOnce writes content to root/name unless the file already exists.
func WriteOnce(root, name, content string) error {
	f, err := os.OpenFile(filepath.Join(root, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	_, err = io.WriteString(f, content)
	return multierr.Append(err, f.Close())
}

// WriteFile replaces root/name with content, optionally fsyncing it.
func WriteFile(root, name, content string, sync bool) error {
	f, err := os.OpenFile(filepath.Join(root, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	_, err = io.WriteString(f, content)
	if err == nil && sync {
		err = f.Sync()
	}
	return multierr.Append(err, f.Close())
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
