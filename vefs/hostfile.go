package vefs

import (
	"os"

	"gitlab.com/NebulousLabs/errors"
	"golang.org/x/sys/unix"
)

// HostFile is the narrow collaborator the sector device uses to talk to the
// underlying container file. Isolating it behind an interface mirrors the
// teacher's habit of wrapping *os.File behind a small interface
// (contractmanager's dependencies.go does the same for disk access) so tests
// can substitute a faulty implementation via the dependencies hook.
type HostFile interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Size() (int64, error)
	Close() error
}

// osHostFile is the production HostFile, backed by a real *os.File with an
// advisory exclusive lock held for the file's lifetime so two processes never
// open the same archive for writing concurrently (spec.md's single-writer
// assumption).
type osHostFile struct {
	f *os.File
}

// OpenHostFile opens (or creates, if create is true) the named file and
// takes an advisory exclusive flock on it. Mirrors storagefolder.go's use of
// syscall-level locking around its data files, generalized to
// golang.org/x/sys/unix so it is not limited to the syscall package's
// platform-pinned Flock signature.
func OpenHostFile(path string, create bool) (HostFile, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, errors.AddContext(err, "unable to open host file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Compose(ErrStillInUse, errors.AddContext(err, "unable to lock host file"))
	}
	return &osHostFile{f: f}, nil
}

func (h *osHostFile) ReadAt(p []byte, off int64) (int, error)  { return h.f.ReadAt(p, off) }
func (h *osHostFile) WriteAt(p []byte, off int64) (int, error) { return h.f.WriteAt(p, off) }
func (h *osHostFile) Truncate(size int64) error                { return h.f.Truncate(size) }
func (h *osHostFile) Sync() error                              { return h.f.Sync() }

func (h *osHostFile) Size() (int64, error) {
	info, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (h *osHostFile) Close() error {
	unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	return h.f.Close()
}
