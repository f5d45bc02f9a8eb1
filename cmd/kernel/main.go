// Command kernel boots the simulated machine: spec.md §1's "boots from
// machine mode into supervisor mode, brings up paging, and multiplexes the
// CPU across isolated user processes" collapsed into one process's worth of
// goroutines, since there is no real hart underneath this binary. It wires
// every package built from spec.md §2's component table into one running
// system: frame allocator, process table, trap plane, syscall dispatcher,
// buffer cache, write-ahead log and file system, and the external
// collaborators (virtio, UART, PLIC) spec.md §1 names as out of scope beyond
// their interfaces.
package main

import (
	"flag"
	"fmt"
	"os"

	"riscv-os/bio"
	"riscv-os/cpu"
	"riscv-os/defs"
	"riscv-os/fs"
	"riscv-os/log"
	"riscv-os/mem"
	"riscv-os/memlayout"
	"riscv-os/plic"
	"riscv-os/proc"
	"riscv-os/syscall"
	"riscv-os/trap"
	"riscv-os/uart"
	"riscv-os/virtio"
)

// kernelEnd stands in for the linker-provided `end` symbol real xv6-riscv
// reads: the frame allocator's arena starts just above the (simulated)
// kernel image rather than at KERNBASE itself.
const kernelEnd = memlayout.KERNBASE + 16*1024*1024

func main() {
	image := flag.String("image", "", "path to a disk image built by cmd/mkfs; empty boots without mounting a file system")
	flag.Parse()

	console := uart.New(os.Stdout)
	console.WriteString("riscv-os: booting\n")

	alloc := mem.NewAllocator(kernelEnd, memlayout.PHYSTOP)
	manager := proc.NewManager(alloc)
	sched := proc.SchedWaiter{M: manager}

	plicCtl := plic.New()
	ticker := trap.NewTicker()
	plane := trap.NewPlane(plicCtl, ticker)
	plane.Register(virtio.IRQ(), func(irq int) { console.WriteString("riscv-os: virtio irq\n") })
	plane.Register(uart.IRQ(), func(irq int) { console.WriteString("riscv-os: uart irq\n") })

	disk := virtio.New(2048)
	if *image != "" {
		raw, err := os.ReadFile(*image)
		if err != nil {
			fmt.Fprintf(os.Stderr, "riscv-os: reading image %q: %v\n", *image, err)
			os.Exit(1)
		}
		disk.LoadImage(raw)
	}
	cache := bio.NewCache(disk, sched)

	var fileSystem *fs.FS
	const bootPid = 0
	if *image != "" {
		sb, err := fs.ReadSuperblock(bootPid, defs.D_RAWDISK, cache)
		if err != 0 {
			fmt.Fprintf(os.Stderr, "riscv-os: reading superblock: %d\n", err)
			os.Exit(1)
		}
		lg := log.New(bootPid, defs.D_RAWDISK, int(sb.Logstart), cache, sched)
		fileSystem, err = fs.Mount(bootPid, defs.D_RAWDISK, cache, lg, sched)
		if err != 0 {
			fmt.Fprintf(os.Stderr, "riscv-os: mount failed: %d\n", err)
			os.Exit(1)
		}
		console.WriteString("riscv-os: file system mounted\n")
	}

	dispatcher := syscall.NewDispatcher(func(format string, args ...any) {
		console.WriteString(fmt.Sprintf(format, args...))
	})
	syscall.RegisterProcessCalls(dispatcher, manager, func() *proc.Proc { return currentProc() })

	manager.Userinit(func(p *proc.Proc) int {
		console.WriteString("riscv-os: init process running\n")
		if fileSystem != nil {
			fileSystem.ReclaimOrphans(p.Pid())
		}
		return proc.Exit(0)
	})
	manager.RunUntilIdle()

	console.WriteString("riscv-os: init exited, system idle\n")
}

// currentProc reports the process schedule() last dispatched, the same
// cpu.Mycpu().Proc side-channel riscv-os/proc's SchedWaiter uses internally.
func currentProc() *proc.Proc {
	p, _ := cpu.Mycpu().Proc.(*proc.Proc)
	return p
}
