package hook

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// SocketEnvVar tells the hook library which socket to connect to.
const SocketEnvVar = "VPATCH_SOCKET"

// Injector loads the vhook shared library into running processes.
type Injector struct {
	libraryPath string
	socketPath  string
	logger      *zap.Logger
}

// NewInjector creates a new process injector.
func NewInjector(libraryPath, socketPath string, logger *zap.Logger) *Injector {
	return &Injector{
		libraryPath: libraryPath,
		socketPath:  socketPath,
		logger:      logger,
	}
}

func libraryName() string {
	if runtime.GOOS == "darwin" {
		return "libvhook.dylib"
	}
	return "libvhook.so"
}

// FindLibrary locates the vhook shared library. An explicitly configured
// path wins, then basePath, then the usual install locations.
func (inj *Injector) FindLibrary(basePath string) (string, error) {
	if inj.libraryPath != "" {
		if _, err := os.Stat(inj.libraryPath); err == nil {
			return inj.libraryPath, nil
		}
	}

	name := libraryName()
	var candidates []string
	if basePath != "" {
		candidates = append(candidates, filepath.Join(basePath, name))
	}
	candidates = append(candidates,
		filepath.Join("lib", name),
		filepath.Join("/usr/local/lib", name),
		filepath.Join("/opt/vpatch/lib", name),
	)

	for _, path := range candidates {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err == nil {
			return abs, nil
		}
	}

	return "", fmt.Errorf("%s not found", name)
}

// AttachProcess injects the hook library into an already-running process.
// On Linux, uses GDB-based dlopen injection. On macOS, uses lldb
// (requires SIP disabled or an entitled binary).
func (inj *Injector) AttachProcess(pid int, basePath string) error {
	libPath, err := inj.FindLibrary(basePath)
	if err != nil {
		return err
	}

	if inj.IsAttached(pid, libPath) {
		inj.logger.Debug("library already loaded, skipping attach", zap.Int("pid", pid))
		return nil
	}

	switch runtime.GOOS {
	case "linux":
		return inj.attachLinux(pid, libPath)
	case "darwin":
		return inj.attachDarwin(pid, libPath)
	default:
		return fmt.Errorf("attach not supported on %s", runtime.GOOS)
	}
}

// attachLinux uses GDB to inject dlopen() into a running process.
// This requires: gdb installed, ptrace permissions (root or Yama LSM disabled).
func (inj *Injector) attachLinux(pid int, libPath string) error {
	gdbPath, err := exec.LookPath("gdb")
	if err != nil {
		return fmt.Errorf("gdb not found; install gdb to attach: %w", err)
	}

	// setenv runs before dlopen so the library constructor sees the socket.
	gdbCommands := fmt.Sprintf(`set pagination off
set confirm off
attach %d
call (int)setenv("%s", "%s", 1)
call (void*)dlopen("%s", 2)
detach
quit
`, pid, SocketEnvVar, inj.socketPath, libPath)

	cmd := exec.Command(gdbPath, "-batch", "-nx", "-ex", "set auto-load safe-path /")
	cmd.Stdin = strings.NewReader(gdbCommands)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gdb attach failed (pid %d): %w\noutput: %s", pid, err, string(output))
	}

	inj.logger.Info("attached to process",
		zap.Int("pid", pid),
		zap.String("library", libPath),
	)
	return nil
}

// attachDarwin uses lldb for macOS injection.
func (inj *Injector) attachDarwin(pid int, libPath string) error {
	lldbPath, err := exec.LookPath("lldb")
	if err != nil {
		return fmt.Errorf("lldb not found: %w", err)
	}

	lldbCommands := fmt.Sprintf(`process attach --pid %d
expr (int)setenv("%s", "%s", 1)
expr (void*)dlopen("%s", 2)
process detach
quit
`, pid, SocketEnvVar, inj.socketPath, libPath)

	cmd := exec.Command(lldbPath, "--batch", "--one-line-before-file", "settings set auto-confirm true")
	cmd.Stdin = strings.NewReader(lldbCommands)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("lldb attach failed (pid %d): %w\noutput: %s", pid, err, string(output))
	}

	inj.logger.Info("attached to process",
		zap.Int("pid", pid),
		zap.String("library", libPath),
	)
	return nil
}

// IsAttached reports whether libPath is already mapped into pid. It only
// knows the answer on Linux and reports false elsewhere.
func (inj *Injector) IsAttached(pid int, libPath string) bool {
	if runtime.GOOS != "linux" {
		return false
	}

	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return false
	}
	return strings.Contains(string(data), libPath)
}
