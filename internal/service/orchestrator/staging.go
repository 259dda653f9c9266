package orchestrator

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	domain "github.com/metrolab/boxupdate/internal/domain/update"
	"github.com/metrolab/boxupdate/internal/logger"
)

// Staging extracts validated package payloads into a per-job directory
// under the staging root. Each job gets a fresh directory; nothing is ever
// shared between jobs.
type Staging struct {
	// root is the directory holding one subdirectory per update id.
	root string
}

// archiveFilename is the name the uploaded archive is kept under inside
// the job's staging directory while the job runs.
const archiveFilename = "package.zip"

// stagedFileMode is the permission for staged payload files.
const stagedFileMode os.FileMode = 0o640

var errPayloadMissing = errors.New("payload missing from archive")

// NewStaging creates a staging area rooted at the given directory.
func NewStaging(root string) *Staging {
	return &Staging{
		root: filepath.Clean(root),
	}
}

// Dir returns the staging directory of a job.
func (s *Staging) Dir(updateID string) string {
	return filepath.Join(s.root, updateID)
}

// ImportArchive copies the uploaded archive into the job's staging
// directory so the engine does not depend on the transport's temporary
// upload file outliving the accepting call.
func (s *Staging) ImportArchive(ctx context.Context, updateID, srcPath string) (string, error) {
	dir := s.Dir(updateID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	src, err := os.Open(filepath.Clean(srcPath))
	if err != nil {
		return "", fmt.Errorf("open uploaded archive: %w", err)
	}

	defer func() {
		_ = src.Close()
	}()

	dst := filepath.Join(dir, archiveFilename)
	if err := atomicWrite(dst, src, stagedFileMode); err != nil {
		return "", fmt.Errorf("import archive: %w", err)
	}

	logger.DebugKV(ctx, "Archive imported into staging", "path", dst)

	return dst, nil
}

// Stage extracts every component payload of the package into the job's
// staging directory and returns component name -> absolute staged path.
// Each payload is written under a temporary name and renamed into place,
// so a partially written file from a crash is never presented as staged.
func (s *Staging) Stage(
	ctx context.Context,
	updateID string,
	pkg *domain.Package,
	archivePath string,
) (map[string]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = zr.Close()
	}()

	dir := s.Dir(updateID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	staged := make(map[string]string, len(pkg.Components))

	for _, name := range pkg.OrderedComponents() {
		component := pkg.Components[name]

		target := filepath.Join(dir, name+payloadSuffix(component.PayloadPath))
		if err := extractPayload(&zr.Reader, component.PayloadPath, target); err != nil {
			return nil, fmt.Errorf("stage component %s: %w", name, err)
		}

		staged[name] = target

		logger.InfoKV(ctx, "Component staged", "component", name, "path", target)
	}

	return staged, nil
}

// Remove deletes a job's staging directory.
func (s *Staging) Remove(ctx context.Context, updateID string) {
	dir := s.Dir(updateID)
	if err := os.RemoveAll(dir); err != nil {
		logger.WarnKV(ctx, "Unable to remove staging directory", "path", dir, "error", err)

		return
	}

	logger.DebugKV(ctx, "Staging directory removed", "path", dir)
}

// payloadSuffix returns the payload filename's full extension chain, so a
// staged "payloads/core.tar.gz" keeps ".tar.gz" rather than just ".gz".
func payloadSuffix(payloadPath string) string {
	base := filepath.Base(payloadPath)
	if i := strings.Index(base, "."); i > 0 {
		return base[i:]
	}

	return ""
}

// extractPayload copies one archive entry to the target path atomically.
func extractPayload(zr *zip.Reader, payloadPath, target string) error {
	for _, file := range zr.File {
		if file.Name != payloadPath {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("open payload: %w", err)
		}

		defer func() {
			_ = rc.Close()
		}()

		return atomicWrite(target, rc, stagedFileMode)
	}

	return fmt.Errorf("%s: %w", payloadPath, errPayloadMissing)
}

// atomicWrite streams src into target via a temporary sibling file and a
// rename, so target is either fully written or absent.
func atomicWrite(target string, src io.Reader, mode os.FileMode) error {
	dir := filepath.Dir(target)

	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".*.partial")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("write payload: %w", err)
	}

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)

		return fmt.Errorf("chmod payload: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("close payload: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("publish payload: %w", err)
	}

	return nil
}
