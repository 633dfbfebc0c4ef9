package job

import (
	"encoding/binary"
	"fmt"

	"tense/internal/control"
	"tense/internal/sched"
	"tense/internal/tense"
)

// Spec describes one simulated task. It mirrors an entry of the "tasks"
// list in the simulator config file.
type Spec struct {
	Name     string `yaml:"name" toml:"name"`
	CPU      int    `yaml:"cpu" toml:"cpu"`
	Priority int    `yaml:"priority" toml:"priority"`
	Enroll   bool   `yaml:"enroll" toml:"enroll"` // open the control device
	Faster   uint32 `yaml:"faster" toml:"faster"`
	Slower   uint32 `yaml:"slower" toml:"slower"`
	RunNS    uint64 `yaml:"run_ns" toml:"run_ns"`     // CPU time per round
	Nops     uint64 `yaml:"nops" toml:"nops"`         // CPU per round as a busy loop, when run_ns is 0
	ChunkNS  uint64 `yaml:"chunk_ns" toml:"chunk_ns"` // yield every chunk, 0 = never
	SleepNS  uint64 `yaml:"sleep_ns" toml:"sleep_ns"` // virtual sleep after each round
	Rounds   int    `yaml:"rounds" toml:"rounds"`     // 1 (by default)
	IOHintNS uint64 `yaml:"io_hint_ns" toml:"io_hint_ns"`
}

// Ratio returns the dilation ratio of the spec, 1:1 where a factor is
// left out.
func (s Spec) Ratio() tense.Ratio {
	r := tense.Identity
	if s.Faster > 0 {
		r.Faster = s.Faster
	}
	if s.Slower > 0 {
		r.Slower = s.Slower
	}
	return r
}

// Result is what a workload observed through its control file.
type Result struct {
	Start uint64 // virtual time when the workload began
	End   uint64 // virtual time right before it withdrew
	Slept uint64 // virtual ns that passed across sleeps
	Err   error
}

func (r *Result) fail(err error) error {
	if r != nil {
		r.Err = err
	}
	return err
}

// Dilated returns the body for spec: enroll, set the ratio, then run and
// sleep for the given number of rounds, recording virtual times in res.
func Dilated(dev *control.Device, spec Spec, res *Result) sched.Body {
	if res == nil {
		res = &Result{}
	}
	rounds := max(spec.Rounds, 1)
	burn := Burn(spec.RunNS, spec.ChunkNS)

	return func(p *sched.Proc) error {
		f, err := dev.Open(p.Task())
		if err != nil {
			return res.fail(err)
		}
		defer f.Close()

		if _, err := f.Write(encodeRatio(spec.Ratio())); err != nil {
			return res.fail(err)
		}
		if res.Start, err = readNow(f); err != nil {
			return res.fail(err)
		}

		for i := 0; i < rounds; i++ {
			if err := burn(p); err != nil {
				return res.fail(err)
			}
			if spec.IOHintNS > 0 {
				if _, err := f.Seek(int64(spec.IOHintNS), control.SeekData); err != nil {
					return res.fail(err)
				}
			}
			if spec.SleepNS == 0 {
				continue
			}
			before, err := readNow(f)
			if err != nil {
				return res.fail(err)
			}
			after, err := f.Seek(int64(spec.SleepNS), control.SeekHole)
			if err != nil {
				return res.fail(fmt.Errorf("round %d: %w", i, err))
			}
			res.Slept += uint64(after) - before
		}

		if res.End, err = readNow(f); err != nil {
			return res.fail(err)
		}
		return nil
	}
}

// Build returns the body for spec: SleepWork for an enrolled 1:1 task that
// only sleeps, Dilated for any other enrolled task, a plain burn otherwise.
// A busy loop of nops is sized with the engine's nops_per_ms.
func Build(dev *control.Device, spec Spec, res *Result) sched.Body {
	rounds := uint64(max(spec.Rounds, 1))
	if spec.Enroll && spec.pureSleep() {
		return SleepWork(dev, spec.SleepNS*rounds, res)
	}
	if spec.RunNS == 0 && spec.Nops > 0 {
		nopsPerMS := dev.Params().NopsPerMS
		if !spec.Enroll && spec.ChunkNS == 0 {
			return BusyLoop(nopsPerMS, spec.Nops*rounds)
		}
		spec.RunNS = nopsToNS(nopsPerMS, spec.Nops)
	}
	if spec.Enroll {
		return Dilated(dev, spec, res)
	}
	return Burn(spec.RunNS*rounds, spec.ChunkNS)
}

func (s Spec) pureSleep() bool {
	return s.SleepNS > 0 && s.RunNS == 0 && s.Nops == 0 && s.IOHintNS == 0 && s.Ratio() == tense.Identity
}

func encodeRatio(r tense.Ratio) []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint32(b[0:4], r.Faster)
	binary.NativeEndian.PutUint32(b[4:8], r.Slower)
	return b
}

func decodeTimespec(b []byte) uint64 {
	sec := int64(binary.NativeEndian.Uint64(b[0:8]))
	nsec := int64(binary.NativeEndian.Uint64(b[8:16]))
	return uint64(sec*1_000_000_000 + nsec)
}
