package orchestrator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	goupdate "github.com/doitdistributed/go-update"
	"github.com/mitchellh/go-ps"

	"github.com/metrolab/boxupdate/internal/config"
	domain "github.com/metrolab/boxupdate/internal/domain/update"
	"github.com/metrolab/boxupdate/internal/logger"
)

// Installer is the capability pair the engine depends on to apply
// components. The firmware flash and service restart are opaque external
// procedures; modelling them as an interface keeps the engine testable
// with deterministic stand-ins.
type Installer interface {
	// DeployBundle unpacks a staged bundle payload into its target location.
	DeployBundle(ctx context.Context, name, stagedPath string) error
	// FlashFirmware hands the staged image to the external flash procedure.
	FlashFirmware(ctx context.Context, stagedPath string) (*domain.CommandResult, error)
	// RestartService restarts the measurement service.
	RestartService(ctx context.Context) (*domain.CommandResult, error)
}

// ExecInstaller is the production Installer: it deploys bundles on the
// local filesystem and shells out to the configured flash and restart
// command lines, capturing their exit code and output.
type ExecInstaller struct {
	// bundleTargets maps bundle component names to deploy directories.
	bundleTargets map[string]string
	// firmwareSlot is where the image is placed before flashing, optional.
	firmwareSlot string
	// flashCommand is the flash tool argv; the image path is appended.
	flashCommand []string
	// restartCommand restarts the measurement service.
	restartCommand []string
	// serviceProcess is the executable checked after restart, optional.
	serviceProcess string
}

const (
	// deployedFileMode is the permission for deployed bundle files without
	// an explicit mode in their tar header.
	deployedFileMode os.FileMode = 0o755

	// processCheckAttempts and processCheckDelay bound how long the
	// installer waits for the service process to reappear after restart.
	processCheckAttempts = 5
	processCheckDelay    = time.Second
)

var (
	errNoBundleTarget  = errors.New("no deploy target configured for bundle")
	errEmptyCommand    = errors.New("command line is empty")
	errUnsafeEntryPath = errors.New("archive entry escapes target directory")
)

// NewExecInstaller builds the production installer from daemon settings.
func NewExecInstaller(cfg *config.Config) *ExecInstaller {
	return &ExecInstaller{
		bundleTargets:  cfg.BundleTargets,
		firmwareSlot:   cfg.FirmwareSlot,
		flashCommand:   cfg.FlashCommand,
		restartCommand: cfg.RestartCommand,
		serviceProcess: cfg.ServiceProcess,
	}
}

// DeployBundle extracts the staged tar.gz payload into the component's
// configured target directory. Regular files are applied atomically via
// go-update, which keeps a rollback copy until the write lands.
func (i *ExecInstaller) DeployBundle(ctx context.Context, name, stagedPath string) error {
	target, ok := i.bundleTargets[name]
	if !ok || target == "" {
		return fmt.Errorf("%s: %w", name, errNoBundleTarget)
	}

	file, err := os.Open(filepath.Clean(stagedPath))
	if err != nil {
		return fmt.Errorf("open staged bundle: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("open bundle gzip: %w", err)
	}

	defer func() {
		_ = gz.Close()
	}()

	if err := extractBundle(tar.NewReader(gz), target); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Bundle deployed", "component", name, "target", target)

	return nil
}

// FlashFirmware places the staged image into the firmware slot (when one
// is configured) and invokes the external flash tool on it.
func (i *ExecInstaller) FlashFirmware(ctx context.Context, stagedPath string) (*domain.CommandResult, error) {
	imagePath := stagedPath

	if i.firmwareSlot != "" {
		if err := i.applyFirmwareSlot(stagedPath); err != nil {
			return nil, err
		}

		imagePath = i.firmwareSlot
	}

	argv := make([]string, 0, len(i.flashCommand)+1)
	argv = append(argv, i.flashCommand...)
	argv = append(argv, imagePath)

	result := runCommand(ctx, argv)

	logger.InfoKV(ctx, "Flash tool finished", "ok", result.OK, "exit_code", result.ExitCode)

	return result, nil
}

// RestartService runs the restart command and, when configured, verifies
// the measurement service process came back.
func (i *ExecInstaller) RestartService(ctx context.Context) (*domain.CommandResult, error) {
	result := runCommand(ctx, i.restartCommand)
	if !result.OK {
		return result, nil
	}

	if i.serviceProcess != "" && !waitForProcess(ctx, i.serviceProcess) {
		result.OK = false
		result.Stderr = strings.TrimSpace(result.Stderr + "\nservice process not found after restart")
	}

	logger.InfoKV(ctx, "Service restart finished", "ok", result.OK, "exit_code", result.ExitCode)

	return result, nil
}

// applyFirmwareSlot writes the staged image into the device-visible slot
// path atomically, keeping a rollback copy on failure.
func (i *ExecInstaller) applyFirmwareSlot(stagedPath string) error {
	image, err := os.Open(filepath.Clean(stagedPath))
	if err != nil {
		return fmt.Errorf("open staged image: %w", err)
	}

	defer func() {
		_ = image.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(i.firmwareSlot), 0o755); err != nil {
		return fmt.Errorf("create slot dir: %w", err)
	}

	// An empty slot has nothing to swap out.
	if _, err := os.Stat(i.firmwareSlot); errors.Is(err, os.ErrNotExist) {
		if err := atomicWrite(i.firmwareSlot, image, deployedFileMode); err != nil {
			return fmt.Errorf("write image to slot: %w", err)
		}

		return nil
	}

	options := goupdate.Options{
		TargetPath: i.firmwareSlot,
		TargetMode: deployedFileMode,
	}

	if err := goupdate.Apply(image, options); err != nil {
		return fmt.Errorf("apply image to slot: %w", err)
	}

	oldPath := i.firmwareSlot + ".old"
	if _, err := os.Stat(oldPath); err == nil {
		_ = os.Remove(oldPath)
	}

	return nil
}

// extractBundle unpacks a tar stream into the target directory.
func extractBundle(tr *tar.Reader, target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read bundle entry: %w", err)
		}

		entryPath, err := safeEntryPath(target, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(entryPath, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := applyBundleFile(tr, entryPath, header); err != nil {
				return fmt.Errorf("deploy %s: %w", header.Name, err)
			}
		default:
			// Symlinks and specials are not part of measurement bundles.
			continue
		}
	}
}

// applyBundleFile writes one regular bundle file through go-update so the
// target is replaced atomically with a rollback copy kept under .old.
func applyBundleFile(tr io.Reader, entryPath string, header *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(entryPath), 0o755); err != nil {
		return err
	}

	mode := os.FileMode(header.Mode) & os.ModePerm
	if mode == 0 {
		mode = deployedFileMode
	}

	// A file deployed for the first time has nothing to swap out.
	if _, err := os.Stat(entryPath); errors.Is(err, os.ErrNotExist) {
		return atomicWrite(entryPath, tr, mode)
	}

	options := goupdate.Options{
		TargetPath: entryPath,
		TargetMode: mode,
	}

	if err := goupdate.Apply(tr, options); err != nil {
		return err
	}

	// The rollback copy is only useful until Apply returns.
	oldPath := entryPath + ".old"
	if _, err := os.Stat(oldPath); err == nil {
		_ = os.Remove(oldPath)
	}

	return nil
}

// safeEntryPath joins the entry name onto target and rejects traversal.
func safeEntryPath(target, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%s: %w", name, errUnsafeEntryPath)
	}

	return filepath.Join(target, cleaned), nil
}

// runCommand executes argv and captures the outcome in the callback shape.
func runCommand(ctx context.Context, argv []string) *domain.CommandResult {
	if len(argv) == 0 {
		return &domain.CommandResult{
			OK:       false,
			ExitCode: -1,
			Stderr:   errEmptyCommand.Error(),
		}
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // Command lines come from operator config.
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &domain.CommandResult{
		OK:     err == nil,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError

	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		// The command did not start at all.
		result.ExitCode = -1
		result.Stderr = strings.TrimSpace(result.Stderr + "\n" + err.Error())
	}

	return result
}

// waitForProcess polls the process table until the named executable shows
// up or the attempts are exhausted.
func waitForProcess(ctx context.Context, executable string) bool {
	for attempt := 0; attempt < processCheckAttempts; attempt++ {
		if processRunning(executable) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(processCheckDelay):
		}
	}

	return processRunning(executable)
}

// processRunning reports whether a process with the executable name exists.
func processRunning(executable string) bool {
	processes, err := ps.Processes()
	if err != nil {
		return false
	}

	for _, process := range processes {
		if process.Executable() == executable {
			return true
		}
	}

	return false
}
