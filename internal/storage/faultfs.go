package storage

import (
	"os"

	"github.com/pingcap/errors"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
)

// ErrInjected is returned by operations a FaultFs was told to fail.
var ErrInjected = errors.New("injected fault")

// FaultFs wraps a file system and fails the renames selected by FailRename.
// Run sealing is a rename, so this simulates a producer dying mid-spill.
type FaultFs struct {
	afero.Fs
	FailRename func(oldname string) bool

	failures atomic.Int64
}

// NewFaultFs wraps base.
func NewFaultFs(base afero.Fs, failRename func(oldname string) bool) *FaultFs {
	return &FaultFs{Fs: base, FailRename: failRename}
}

// Rename implements afero.Fs.
func (f *FaultFs) Rename(oldname, newname string) error {
	if f.FailRename != nil && f.FailRename(oldname) {
		f.failures.Inc()
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: ErrInjected}
	}
	return f.Fs.Rename(oldname, newname)
}

// Failures returns how many operations were failed so far.
func (f *FaultFs) Failures() int64 {
	return f.failures.Load()
}
