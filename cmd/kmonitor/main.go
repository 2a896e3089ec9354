// Command kmonitor is an interactive console for driving a booted
// instance of this kernel: it mounts a disk image, execs programs into
// process-table slots, runs each one until it exits (there is no
// single-step command), and inspects the process table — grounded on smoynes-elsie/cmd/elsie's monitor, which
// drives its own simulated machine the same way, raw-moding the
// terminal with golang.org/x/term and reading a command line with a
// term.Terminal instead of bare os.Stdin scanning.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/mkoseli2523/custom-kernel/blockdev"
	"github.com/mkoseli2523/custom-kernel/config"
	"github.com/mkoseli2523/custom-kernel/fs"
	"github.com/mkoseli2523/custom-kernel/iostream"
	"github.com/mkoseli2523/custom-kernel/klog"
	"github.com/mkoseli2523/custom-kernel/pmm"
	"github.com/mkoseli2523/custom-kernel/proc"
	"github.com/mkoseli2523/custom-kernel/syscall"
	"github.com/mkoseli2523/custom-kernel/vmm"
)

// kernel bundles one booted instance's subsystems, the way main_proc's
// globals tie everything together in the original C kernel.
type kernel struct {
	arena *pmm.Arena
	vmgr  *vmm.Manager
	table *proc.Table
	fsys  *fs.FileSystem
	disk  *blockdev.Device
	disp  *syscall.Dispatcher
}

func newKernel() (*kernel, error) {
	arena, err := pmm.NewArena()
	if err != nil {
		return nil, err
	}
	alloc := pmm.NewAllocator(arena, config.KernelHeapEnd)
	vmgr := vmm.NewManager(alloc, arena)
	table := proc.NewTable(vmgr)
	var fsys fs.FileSystem
	return &kernel{
		arena: arena,
		vmgr:  vmgr,
		table: table,
		fsys:  &fsys,
		disp:  &syscall.Dispatcher{FS: &fsys, Devices: map[string]syscall.DeviceOpener{}, Table: table},
	}, nil
}

func (k *kernel) mount(path string) error {
	dev, err := blockdev.Open(path, fs.BlockSize, false)
	if err != nil {
		return err
	}
	if e := k.fsys.Mount(dev); e != 0 {
		dev.Close()
		return e
	}
	k.disk = dev
	return nil
}

func (k *kernel) execFile(name string) (*proc.Process, error) {
	p, err := k.table.Spawn()
	if err != nil {
		return nil, err
	}
	var src iostream.Stream
	if k.fsys != nil {
		if s, ferr := k.fsys.Open(name); ferr == 0 {
			src = s
		}
	}
	if src == nil {
		f, oerr := os.ReadFile(name)
		if oerr != nil {
			return nil, oerr
		}
		src = iostream.NewLiteral(f)
	}
	if eerr := p.Exec(src); eerr != nil {
		return nil, eerr
	}
	return p, nil
}

func main() {
	fsImage := flag.String("fsimage", "", "disk image to mount at startup")
	debug := flag.Bool("debug", false, "start with debug-level logging")
	flag.Parse()

	if *debug {
		klog.LevelVar.Set(klog.LevelDebug)
	}

	k, err := newKernel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kmonitor: %v\n", err)
		os.Exit(1)
	}
	defer k.arena.Close()

	if *fsImage != "" {
		if err := k.mount(*fsImage); err != nil {
			fmt.Fprintf(os.Stderr, "kmonitor: mount %s: %v\n", *fsImage, err)
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		runBatch(k, os.Stdin, os.Stdout)
		return
	}

	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kmonitor: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(fd, state)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "kmonitor> ")

	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		out, quit := dispatch(k, line)
		fmt.Fprint(t, out)
		if quit {
			return
		}
	}
}

// runBatch drives the monitor off a plain reader/writer, for scripted or
// non-TTY use (tests, pipelines) where raw mode makes no sense.
func runBatch(k *kernel, in io.Reader, out io.Writer) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := in.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	for _, line := range strings.Split(string(buf), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		text, quit := dispatch(k, line)
		fmt.Fprint(out, text)
		if quit {
			return
		}
	}
}

// dispatch runs one command line and returns the text to print and
// whether the monitor should exit.
func dispatch(k *kernel, line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}

	switch fields[0] {
	case "quit", "exit":
		return "goodbye\n", true

	case "mount":
		if len(fields) != 2 {
			return "usage: mount <path>\n", false
		}
		if err := k.mount(fields[1]); err != nil {
			return fmt.Sprintf("mount failed: %v\n", err), false
		}
		return "mounted\n", false

	case "exec":
		if len(fields) != 2 {
			return "usage: exec <name>\n", false
		}
		p, err := k.execFile(fields[1])
		if err != nil {
			return fmt.Sprintf("exec failed: %v\n", err), false
		}
		return fmt.Sprintf("spawned pid %d\n", p.ID), false

	case "run":
		if len(fields) != 2 {
			return "usage: run <pid>\n", false
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return "pid must be a number\n", false
		}
		p := k.table.Get(pid)
		if p == nil {
			return "no such process\n", false
		}
		if err := k.disp.RunUntilExit(p, 1_000_000); err != nil {
			return fmt.Sprintf("run stopped: %v\n", err), false
		}
		return fmt.Sprintf("pid %d exited\n", pid), false

	case "ps":
		var b strings.Builder
		for i := 0; i < config.NPROC; i++ {
			p := k.table.Get(i)
			if p == nil {
				continue
			}
			state := "running"
			if p.Exited() {
				state = "exited"
			}
			fmt.Fprintf(&b, "%d\t%s\n", i, state)
		}
		if b.Len() == 0 {
			return "(no processes)\n", false
		}
		return b.String(), false

	case "log":
		if len(fields) != 2 {
			return "usage: log <debug|info|warn|error>\n", false
		}
		switch fields[1] {
		case "debug":
			klog.LevelVar.Set(klog.LevelDebug)
		case "info":
			klog.LevelVar.Set(klog.LevelInfo)
		case "warn":
			klog.LevelVar.Set(klog.LevelWarn)
		case "error":
			klog.LevelVar.Set(klog.LevelError)
		default:
			return "unknown level\n", false
		}
		return "log level set\n", false

	case "help":
		return "commands: mount <path>, exec <name>, run <pid>, ps, log <level>, quit\n", false

	default:
		return fmt.Sprintf("unknown command %q (try \"help\")\n", fields[0]), false
	}
}
