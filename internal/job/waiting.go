package job

import (
	"fmt"
	"io"

	"tense/internal/control"
	"tense/internal/sched"
)

// SleepWork returns a body that sleeps ns of virtual time, in one request,
// through its own control file.
func SleepWork(dev *control.Device, ns uint64, res *Result) sched.Body {
	return func(p *sched.Proc) error {
		f, err := dev.Open(p.Task())
		if err != nil {
			return res.fail(err)
		}
		defer f.Close()

		start, err := f.Seek(0, control.SeekHole)
		if err != nil {
			return res.fail(err)
		}
		res.Start = uint64(start)

		end, err := f.Seek(int64(ns), control.SeekHole)
		if err != nil {
			return res.fail(fmt.Errorf("sleep %dns: %w", ns, err))
		}
		res.End = uint64(end)
		res.Slept += res.End - res.Start
		return nil
	}
}

// Burn returns a body that runs ns of CPU time in chunks of at most chunk
// ns, yielding between chunks. It never enrolls.
func Burn(ns, chunk uint64) sched.Body {
	if chunk == 0 {
		chunk = ns
	}
	return func(p *sched.Proc) error {
		for left := ns; left > 0; {
			n := min(left, chunk)
			p.Run(n)
			left -= n
			if left > 0 {
				p.Yield()
			}
		}
		return nil
	}
}

// BusyLoop returns a body that executes nops no-ops on a machine that runs
// nopsPerMS of them per millisecond.
func BusyLoop(nopsPerMS, nops uint64) sched.Body {
	return func(p *sched.Proc) error {
		if nopsPerMS == 0 {
			return fmt.Errorf("busy loop: nops_per_ms must be positive")
		}
		p.Run(nopsToNS(nopsPerMS, nops))
		return nil
	}
}

func nopsToNS(nopsPerMS, nops uint64) uint64 {
	if nopsPerMS == 0 {
		return 0
	}
	return nops * 1_000_000 / nopsPerMS
}

// readNow reads the core's virtual time through the control file's byte
// interface.
func readNow(f io.Reader) (uint64, error) {
	var buf [16]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return 0, err
	}
	return decodeTimespec(buf[:]), nil
}
