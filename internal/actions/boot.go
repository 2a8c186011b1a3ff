package actions

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/acolita/hiburn/internal/memory"
	"github.com/acolita/hiburn/internal/prompt"
	"github.com/acolita/hiburn/internal/size"
	"github.com/acolita/hiburn/internal/tftp"
	"github.com/acolita/hiburn/internal/uboot"
)

// DefaultExpectTimeout bounds the wait for BootOptions.Expect.
const DefaultExpectTimeout = 2 * time.Minute

// BootOptions selects the images and how they are loaded.
type BootOptions struct {
	UImage string // kernel image reference
	Rootfs string // initrd reference

	// UploadAddr places the kernel at or above this address and the rootfs
	// after it. Without it both go to the top of the memory window.
	UploadAddr    uint64
	HasUploadAddr bool

	SerialTransfer bool           // YMODEM instead of TFTP
	NoWait         bool           // do not read the kernel's output
	Expect         *regexp.Regexp // wait for a line matching this after bootm
	ExpectTimeout  time.Duration
}

// BootArgs renders the kernel command line for a ramdisk boot.
func BootArgs(linuxSize uint64, console, target, host, netmask string, rootfs memory.Placement) string {
	return fmt.Sprintf("mem=%s console=%s ip=%s:%s:%s:%s:camera1::off; root=/dev/ram0 ro initrd=%s,%s",
		kernelSize(linuxSize), console, target, host, host, netmask, size.Hex(rootfs.Addr), size.Hex(rootfs.Size))
}

// kernelSize renders n the way the kernel's memparse reads it.
func kernelSize(n uint64) string {
	switch {
	case n != 0 && n%(1<<30) == 0:
		return fmt.Sprintf("%dG", n>>30)
	case n != 0 && n%(1<<20) == 0:
		return fmt.Sprintf("%dM", n>>20)
	case n != 0 && n%(1<<10) == 0:
		return fmt.Sprintf("%dK", n>>10)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// Plan places the kernel (A) and rootfs (B) in the memory window.
func (r *Runner) Plan(opts BootOptions, kernelBytes, rootfsBytes uint64) (memory.Layout, error) {
	w, err := r.Config.Mem.Window()
	if err != nil {
		return memory.Layout{}, err
	}
	if opts.HasUploadAddr {
		return w.PlanUp(opts.UploadAddr, kernelBytes, rootfsBytes)
	}
	return w.PlanDown(kernelBytes, rootfsBytes)
}

// Boot loads a kernel and rootfs into RAM and boots them.
func (r *Runner) Boot(ctx context.Context, opts BootOptions) error {
	kernel, err := r.Images.Resolve(opts.UImage)
	if err != nil {
		return err
	}
	defer kernel.Close()
	rootfs, err := r.Images.Resolve(opts.Rootfs)
	if err != nil {
		return err
	}
	defer rootfs.Close()

	layout, err := r.Plan(opts, uint64(kernel.Size), uint64(rootfs.Size))
	if err != nil {
		return err
	}
	r.Logger.Info("boot layout",
		slog.String("uimage", layout.A.String()),
		slog.String("rootfs", layout.B.String()),
	)

	if err := r.Connect(ctx); err != nil {
		return err
	}
	if err := r.ConfigureNetwork(); err != nil {
		return err
	}

	if opts.SerialTransfer {
		if err := r.sendSerial(kernel.Path, layout.A.Addr); err != nil {
			return err
		}
		if err := r.sendSerial(rootfs.Path, layout.B.Addr); err != nil {
			return err
		}
	} else {
		orch, err := r.orchestrator()
		if err != nil {
			return err
		}
		err = orch.Run(ctx,
			tftp.Request{Dir: tftp.Upload, Path: kernel.Path, Addr: layout.A.Addr},
			tftp.Request{Dir: tftp.Upload, Path: rootfs.Path, Addr: layout.B.Addr},
		)
		if err != nil {
			return err
		}
	}

	ip, mask, err := r.Config.Net.HostInterface()
	if err != nil {
		return err
	}
	args := BootArgs(uint64(r.Config.Mem.LinuxSize), r.Config.LinuxConsole, r.Config.Net.Target, ip, mask, layout.B)
	if err := r.Client.SetEnv(uboot.Var{Name: "bootargs", Value: args}); err != nil {
		return err
	}
	r.println("bootargs=" + args)

	lines, err := r.Client.Bootm(layout.A.Addr, !opts.NoWait)
	if err != nil {
		return err
	}
	if !opts.NoWait {
		if _, ok := prompt.StartingKernel.FindLast(lines); !ok {
			return fmt.Errorf("bootm: %s", lastLine(lines))
		}
	}
	for _, l := range lines {
		r.println(l)
	}

	if opts.Expect != nil {
		for _, l := range lines {
			if opts.Expect.MatchString(l) {
				return nil
			}
		}
		timeout := opts.ExpectTimeout
		if timeout <= 0 {
			timeout = DefaultExpectTimeout
		}
		more, err := r.Client.WaitFor(opts.Expect, timeout)
		for _, l := range more {
			r.println(l)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
