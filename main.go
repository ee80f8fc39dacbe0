// Command richelieu boots the emulated machine and runs a short demo
// workload: a pair of CPU-bound kernel threads contending under the
// MLFQ scheduler, plus a user process exercising fork, copy-on-write
// and the int 0x80 write path. The serial transcript and a state dump
// land on stdout.
package main

import (
	"flag"
	"fmt"
	"os"

	"richelieu/interrupt"
	"richelieu/kernel"
	"richelieu/klog"
	"richelieu/multiboot"
	"richelieu/proc"
	"richelieu/profile"
)

func main() {
	profilePath := flag.String("profile", "machine.toml", "machine profile (TOML)")
	ticks := flag.Int("ticks", 300, "timer periods to run")
	vgaDump := flag.String("vga-dump", "", "write the raw VGA text buffer here (render with tools/vgasnap)")
	flag.Parse()

	if err := run(*profilePath, *ticks, *vgaDump); err != nil {
		fmt.Fprintf(os.Stderr, "richelieu: %v\n", err)
		os.Exit(1)
	}
}

func run(profilePath string, ticks int, vgaDump string) error {
	prof, err := profile.Load(profilePath)
	if err != nil {
		return err
	}
	if err := klog.Configure(prof.LogDir, "kernel", prof.LogLevel); err != nil {
		return err
	}

	m, infoAddr, err := kernel.BuildMachine(prof)
	if err != nil {
		return err
	}
	k, err := kernel.Boot(m, multiboot.BootloaderMagic, infoAddr, prof)
	if err != nil {
		return err
	}

	if err := demoWorkload(k); err != nil {
		return err
	}

	k.Run(ticks)

	if vgaDump != "" {
		if err := os.WriteFile(vgaDump, k.Machine.VGA.Snapshot(), 0o644); err != nil {
			return err
		}
	}

	fmt.Println(k.DumpState())
	if prof.SerialCapture {
		fmt.Println("--- serial transcript ---")
		os.Stdout.Write(k.Machine.UART.Output())
	}
	return nil
}

// demoWorkload populates the scheduler: two spinners and a user process
// that forks and writes through the syscall gateway.
func demoWorkload(k *kernel.Kernel) error {
	if _, err := k.Procs.CreateKernelProcess("spin-a", 0xC0020000); err != nil {
		return err
	}
	if _, err := k.Procs.CreateKernelProcess("spin-b", 0xC0021000); err != nil {
		return err
	}

	user, err := k.Procs.CreateUserProcess("hello", proc.Image{
		Code:  []byte{0xCD, 0x80, 0xEB, 0xFC}, // int 0x80; jmp back
		Entry: proc.UserCodeBase,
	})
	if err != nil {
		return err
	}
	if _, err := k.Procs.Fork(user); err != nil {
		return err
	}

	// Drive the parent's first write(1, buf, n) the way the boot shim
	// drives everything: schedule it, point the registers at the
	// syscall, raise int 0x80.
	for k.Sched.Current() != user {
		k.Sched.Schedule()
	}
	msg := []byte("hello from ring 3\n")
	bufVA := uint32(proc.UserStackTop+4) - 4096
	pa, ok := user.Space.Translate(bufVA)
	if !ok {
		return fmt.Errorf("demo: user stack unmapped")
	}
	k.Machine.Mem.CopyIn(pa, msg)

	regs := &k.Machine.CPU.Regs
	regs.EAX = 1 // write
	regs.EBX = 1
	regs.ECX = bufVA
	regs.EDX = uint32(len(msg))
	k.Interrupts.RaiseSoftware(interrupt.VecSyscall)

	return nil
}
