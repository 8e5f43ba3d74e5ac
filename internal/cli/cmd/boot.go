package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kore-kernel/kore/internal/cli"
	"github.com/kore-kernel/kore/internal/kernel"
	"github.com/kore-kernel/kore/internal/log"
	"github.com/kore-kernel/kore/internal/mem"
	"github.com/kore-kernel/kore/internal/mem/buddy"
	"github.com/kore-kernel/kore/internal/tty"
)

// boot constructs a kernel over a simulated physical memory pool, spawns a
// single root process and thread, and drives the kernel's timer loop for a
// bounded duration. There is no ELF loader in this tool, so the root thread
// never actually runs code; boot exists to exercise the kernel's startup
// path and print its scheduling decisions, the way an init ramdisk would be
// exercised on real hardware.
type boot struct {
	flags *flag.FlagSet

	memBytes    uint64
	quantumNs   uint64
	duration    time.Duration
	interactive bool
}

var _ cli.Command = (*boot)(nil)

func Boot() *boot {
	b := &boot{
		flags: flag.NewFlagSet("boot", flag.ExitOnError),
	}

	b.flags.Uint64Var(&b.memBytes, "mem", 16<<20, "bytes of simulated physical memory")
	b.flags.Uint64Var(&b.quantumNs, "quantum", 10_000_000, "scheduler quantum, in nanoseconds")
	b.flags.DurationVar(&b.duration, "for", 2*time.Second, "how long to run before exiting")
	b.flags.BoolVar(&b.interactive, "interactive", false, "read debug keys from the terminal (p: print status, k: kill root process, q: quit)")

	return b
}

// debugSink turns keypresses into kernel debug commands.
type debugSink struct {
	k      *kernel.Kernel
	ps     *kernel.ProcessState
	out    io.Writer
	cancel context.CancelFunc
}

func (d *debugSink) OnKey(key byte) {
	switch key {
	case 'p':
		running := d.k.Scheduler.Running()
		name := "<idle>"
		if running != nil {
			name = running.Name
		}
		fmt.Fprintf(d.out, "\r\nrunning=%s free_bytes=%d\r\n", name, d.k.Zones.FreeSpace())
	case 'k':
		fmt.Fprintf(d.out, "\r\nkilling pid=%d\r\n", d.ps.Proc.Pid)
		d.k.KillProcess(d.ps.Proc.Pid)
	case 'q':
		d.cancel()
	}
}

func (b *boot) Description() string {
	return "boot a kernel instance and run its scheduler loop"
}

func (b *boot) FlagSet() *cli.FlagSet {
	return b.flags
}

func (b *boot) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `boot [-mem bytes] [-quantum nsec] [-for duration]

Boots a kernel over a pool of simulated physical memory, spawns a root
process with one thread, and runs the scheduler's timer loop until the
duration elapses.`)

	return err
}

func (b *boot) Run(ctx context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	zones := buddy.NewZoneManager(buddy.New(mem.PhysAddr(0), mem.PhysAddr(b.memBytes), uint64(mem.K4)))
	k := kernel.New(zones, b.quantumNs)

	root := k.NewProcess(k.NewAddrSpace())
	th := root.Proc.NewThread("root")
	k.Scheduler.Enqueue(th)

	fmt.Fprintf(out, "booted pid=%d tid=%d mem=%d quantum=%dns\n", root.Proc.Pid, th.Tid, b.memBytes, b.quantumNs)

	runCtx, cancel := context.WithTimeout(ctx, b.duration)
	defer cancel()

	if b.interactive {
		console, err := tty.NewConsole(os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, tty.ErrNoTTY) {
			logger.Error("console", "err", err)
		} else if err == nil {
			defer console.Restore()
			fmt.Fprintln(out, "interactive: p=status k=kill-root q=quit")
			go func() {
				_ = console.Run(runCtx, &debugSink{k: k, ps: root, out: out, cancel: cancel})
			}()
		}
	}

	if err := k.Run(runCtx, time.Millisecond); err != nil && ctx.Err() == nil {
		logger.Debug("kernel run stopped", "err", err)
	}

	fmt.Fprintf(out, "stopped after %s, free_bytes=%d\n", b.duration, zones.FreeSpace())

	return 0
}
