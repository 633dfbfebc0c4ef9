// internal/control/device.go

package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"tense/internal/tense"
)

// Name is the path reported in errors.
const Name = "/dev/tense"

// Seek modes beyond io.SeekStart/io.SeekCurrent.
const (
	SeekData = 3 // record the predicted duration of the next I/O
	SeekHole = 4 // virtual sleep
)

const (
	timespecSize = 16
	ratioSize    = 8
)

// Device hands out control files bound to one engine.
type Device struct {
	eng *tense.Engine
	log *zap.Logger
}

// NewDevice creates the control device for eng. A nil log discards output.
func NewDevice(eng *tense.Engine, log *zap.Logger) *Device {
	if log == nil {
		log = zap.NewNop()
	}
	return &Device{eng: eng, log: log}
}

// Params returns the engine parameters, for workloads that calibrate
// against them.
func (d *Device) Params() tense.Params { return d.eng.Params() }

// Open enrolls host and returns the file through which it controls its own
// time. Closing the file withdraws the task.
func (d *Device) Open(host tense.HostTask) (*File, error) {
	rec, err := d.eng.Enroll(host)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: Name, Err: err}
	}
	return &File{dev: d, rec: rec}, nil
}

// File is an open control file. It is used by the task that opened it.
type File struct {
	dev *Device

	mu  sync.Mutex
	rec *tense.Task
}

func (f *File) record(op string) (*tense.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec == nil {
		return nil, &fs.PathError{Op: op, Path: Name, Err: fs.ErrClosed}
	}
	return f.rec, nil
}

func pathErr(op string, err error) error {
	return &fs.PathError{Op: op, Path: Name, Err: err}
}

// Task returns the engine record behind the file, nil once closed.
func (f *File) Task() *tense.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec
}

// ReadTime returns the virtual time of the caller's core.
func (f *File) ReadTime() (unix.Timespec, error) {
	rec, err := f.record("read")
	if err != nil {
		return unix.Timespec{}, err
	}
	return unix.NsecToTimespec(clampNsec(f.dev.eng.Now(rec.CPU()))), nil
}

// Read fills p with the core's virtual time as a timespec: seconds and
// nanoseconds, two native-endian int64s.
func (f *File) Read(p []byte) (int, error) {
	if _, err := f.record("read"); err != nil {
		return 0, err
	}
	if len(p) < timespecSize {
		return 0, pathErr("read", unix.EFAULT)
	}
	ts, err := f.ReadTime()
	if err != nil {
		return 0, err
	}
	binary.NativeEndian.PutUint64(p[0:8], uint64(int64(ts.Sec)))
	binary.NativeEndian.PutUint64(p[8:16], uint64(int64(ts.Nsec)))
	return timespecSize, nil
}

// Write sets the dilation ratio from two native-endian uint32s, faster then
// slower. Extra bytes are ignored.
func (f *File) Write(p []byte) (int, error) {
	if _, err := f.record("write"); err != nil {
		return 0, err
	}
	if len(p) < ratioSize {
		return 0, pathErr("write", unix.EFAULT)
	}
	r := tense.Ratio{
		Faster: binary.NativeEndian.Uint32(p[0:4]),
		Slower: binary.NativeEndian.Uint32(p[4:8]),
	}
	if err := f.SetRatio(r); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetRatio is Write without the byte encoding.
func (f *File) SetRatio(r tense.Ratio) error {
	rec, err := f.record("write")
	if err != nil {
		return err
	}
	if err := f.dev.eng.SetRatio(rec, r); err != nil {
		if errors.Is(err, tense.ErrBadRatio) {
			return pathErr("write", unix.EINVAL)
		}
		return pathErr("write", err)
	}
	return nil
}

// Seek multiplexes the vruntime, I/O hint and sleep commands and returns
// the core's virtual time afterwards.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	rec, err := f.record("seek")
	if err != nil {
		return 0, err
	}
	if offset < 0 {
		return 0, pathErr("seek", unix.EINVAL)
	}
	eng, host, ns := f.dev.eng, rec.Host(), uint64(offset)

	switch whence {
	case io.SeekStart:
		host.SetVruntime(ns)
		host.Yield()
	case io.SeekCurrent:
		host.AddVruntime(ns)
		eng.UpdateCurr(rec.CPU(), rec, ns)
		host.Yield()
	case SeekData:
		if err := eng.SetIOHint(rec, ns); err != nil {
			return 0, pathErr("seek", err)
		}
	case SeekHole:
		if err := eng.Sleep(rec, ns); err != nil {
			if errors.Is(err, tense.ErrInterrupted) {
				return 0, pathErr("seek", unix.EINTR)
			}
			return 0, pathErr("seek", err)
		}
	default:
		return 0, pathErr("seek", unix.EINVAL)
	}
	return clampNsec(eng.Now(rec.CPU())), nil
}

// Close withdraws the task. Closing twice reports fs.ErrClosed.
func (f *File) Close() error {
	f.mu.Lock()
	rec := f.rec
	f.rec = nil
	f.mu.Unlock()
	if rec == nil {
		return pathErr("close", fs.ErrClosed)
	}
	if err := f.dev.eng.Withdraw(rec); err != nil {
		f.dev.log.Warn("withdraw on close", zap.Uint64("task", rec.Host().ID()), zap.Error(err))
		return pathErr("close", fmt.Errorf("withdraw: %w", err))
	}
	return nil
}

func clampNsec(ns uint64) int64 {
	if ns > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(ns)
}

var (
	_ io.ReadWriteSeeker = (*File)(nil)
	_ io.Closer          = (*File)(nil)
)
