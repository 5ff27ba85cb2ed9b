//go:build windows && nativehooks

package hooks

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"

	"wincell/internal/policy"
)

// trampoline is the process-wide hook. The detour is a plain callback, so
// its state cannot live on a Pipeline value.
var trampoline struct {
	once     sync.Once
	err      error
	original uintptr
	register *Register
	logger   *logrus.Entry
	setError *windows.LazyProc
}

type nativePipeline struct {
	reg     *Register
	logger  *logrus.Entry
	install func(*Register, *logrus.Entry) error
}

func newPlatformPipeline(cfg Config) Pipeline {
	return &nativePipeline{reg: cfg.Register, logger: cfg.Logger, install: install}
}

// Apply leaves the register untouched when the hook cannot be installed,
// so the recorded policy is always one that is enforced.
func (p *nativePipeline) Apply(plan policy.HookPlan) error {
	if err := p.install(p.reg, p.logger); err != nil {
		return err
	}
	version := p.reg.Swap(plan.ContainerID, plan.Redirects)

	p.logger.WithFields(logrus.Fields{
		"container_id": plan.ContainerID,
		"redirects":    len(plan.Redirects),
		"version":      version,
	}).Info("interception policy swapped")
	return nil
}

func (p *nativePipeline) Native() bool { return true }

func (p *nativePipeline) Register() *Register { return p.reg }

// install patches CreateFileW once per process. The detour consults the
// register passed to the first call.
func install(reg *Register, logger *logrus.Entry) error {
	trampoline.once.Do(func() {
		trampoline.register = reg
		trampoline.logger = logger
		trampoline.err = patchCreateFile(logger)
	})
	if trampoline.err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, trampoline.err)
	}
	return nil
}

func patchCreateFile(logger *logrus.Entry) error {
	kernel32 := windows.NewLazySystemDLL("kernel32.dll")
	createFile := kernel32.NewProc("CreateFileW")
	if err := createFile.Find(); err != nil {
		return fmt.Errorf("resolve kernel32!CreateFileW: %w", err)
	}
	trampoline.setError = kernel32.NewProc("SetLastError")

	targets := map[uintptr]bool{createFile.Addr(): true}
	skip := map[uintptr]bool{kernel32.Handle(): true}
	trampoline.original = createFile.Addr()

	// Modules importing through API sets bind to kernelbase directly.
	kernelbase := windows.NewLazySystemDLL("kernelbase.dll")
	if base := kernelbase.NewProc("CreateFileW"); base.Find() == nil {
		targets[base.Addr()] = true
		skip[kernelbase.Handle()] = true
		trampoline.original = base.Addr()
	}

	detour := windows.NewCallback(createFileDetour)

	modules, err := loadedModules()
	if err != nil {
		return err
	}

	patched := 0
	for _, module := range modules {
		if skip[uintptr(module)] {
			continue
		}
		n, err := patchModuleImports(uintptr(module), targets, detour)
		if err != nil {
			logger.WithError(err).WithField("module", fmt.Sprintf("%#x", uintptr(module))).Warn("cannot patch module imports")
		}
		patched += n
	}

	if patched == 0 {
		logger.Warn("CreateFileW hook installed but no module imports it")
	} else {
		logger.WithField("slots", patched).Info("CreateFileW hook enabled")
	}
	return nil
}

func createFileDetour(name, access, share, security, disposition, flags, template uintptr) uintptr {
	in := (*uint16)(unsafe.Pointer(name))
	out := dispatch(trampoline.register, in, trampoline.logger)

	handle, _, errno := syscall.SyscallN(trampoline.original,
		uintptr(unsafe.Pointer(out)), access, share, security, disposition, flags, template)
	runtime.KeepAlive(out)

	// Callers read GetLastError after CreateFileW returns.
	trampoline.setError.Call(uintptr(errno))
	return handle
}

func loadedModules() ([]windows.Handle, error) {
	process := windows.CurrentProcess()
	modules := make([]windows.Handle, 256)
	for {
		size := uint32(len(modules)) * uint32(unsafe.Sizeof(modules[0]))
		var needed uint32
		if err := windows.EnumProcessModules(process, &modules[0], size, &needed); err != nil {
			return nil, fmt.Errorf("enumerate process modules: %w", err)
		}
		if needed <= size {
			return modules[:needed/uint32(unsafe.Sizeof(modules[0]))], nil
		}
		modules = make([]windows.Handle, needed/uint32(unsafe.Sizeof(modules[0])))
	}
}

// PE layout offsets.
const (
	dosMagic            = 0x5A4D     // "MZ"
	ntSignature         = 0x00004550 // "PE\0\0"
	optionalMagicPE32   = 0x10b
	optionalMagicPE32P  = 0x20b
	fileHeaderSize      = 20
	importDescriptorLen = 20
	dataDirImport       = 1
)

// patchModuleImports rewrites every import address table slot of the
// module at base whose value is in targets.
func patchModuleImports(base uintptr, targets map[uintptr]bool, replacement uintptr) (int, error) {
	image := unsafe.Pointer(base)
	if *(*uint16)(image) != dosMagic {
		return 0, fmt.Errorf("module at %#x is not a PE image", base)
	}

	nt := unsafe.Add(image, *(*uint32)(unsafe.Add(image, 0x3C)))
	if *(*uint32)(nt) != ntSignature {
		return 0, fmt.Errorf("module at %#x has no NT headers", base)
	}

	optional := unsafe.Add(nt, 4+fileHeaderSize)
	var dirs unsafe.Pointer
	switch *(*uint16)(optional) {
	case optionalMagicPE32:
		dirs = unsafe.Add(optional, 96)
	case optionalMagicPE32P:
		dirs = unsafe.Add(optional, 112)
	default:
		return 0, fmt.Errorf("module at %#x has an unknown optional header", base)
	}

	importRVA := *(*uint32)(unsafe.Add(dirs, 8*dataDirImport))
	if importRVA == 0 {
		return 0, nil
	}

	patched := 0
	for desc := unsafe.Add(image, importRVA); ; desc = unsafe.Add(desc, importDescriptorLen) {
		nameRVA := *(*uint32)(unsafe.Add(desc, 12))
		firstThunk := *(*uint32)(unsafe.Add(desc, 16))
		if nameRVA == 0 && firstThunk == 0 {
			break
		}
		if firstThunk == 0 {
			continue
		}

		for slot := unsafe.Add(image, firstThunk); *(*uintptr)(slot) != 0; slot = unsafe.Add(slot, unsafe.Sizeof(uintptr(0))) {
			if !targets[*(*uintptr)(slot)] {
				continue
			}
			if err := writeSlot(slot, replacement); err != nil {
				return patched, err
			}
			patched++
		}
	}
	return patched, nil
}

func writeSlot(slot unsafe.Pointer, value uintptr) error {
	var old uint32
	size := unsafe.Sizeof(value)
	if err := windows.VirtualProtect(uintptr(slot), size, windows.PAGE_READWRITE, &old); err != nil {
		return fmt.Errorf("unprotect import slot: %w", err)
	}
	*(*uintptr)(slot) = value
	return windows.VirtualProtect(uintptr(slot), size, old, &old)
}
