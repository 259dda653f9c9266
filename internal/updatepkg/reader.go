package updatepkg

import (
	"archive/zip"
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	domain "github.com/metrolab/boxupdate/internal/domain/update"
)

// Validation error codes surfaced to the API caller.
const (
	CodeBadArchive       = "updates.bad_archive"
	CodeBadManifest      = "updates.bad_manifest"
	CodeUnknownSchema    = "updates.unknown_schema"
	CodeEmptyComponents  = "updates.empty_components"
	CodeUnknownComponent = "updates.unknown_component"
	CodeMissingPayload   = "updates.missing_payload"
	CodeChecksumMismatch = "updates.checksum_mismatch"
)

const (
	// ManifestFilename is the required top-level package manifest.
	ManifestFilename = "manifest.json"
	// ChecksumsFilename lists "<sha256hex>  <payload_path>" per payload.
	ChecksumsFilename = "checksums.sha256"

	// SupportedSchemaVersion is the only manifest schema accepted.
	SupportedSchemaVersion = "1.0"

	// hexDigestLength is the length of a lowercase hex SHA-256 digest.
	hexDigestLength = 64
)

// ValidationError describes why a package was rejected. Code is stable and
// machine-readable; Detail is free text for the operator.
type ValidationError struct {
	// Code is one of the updates.* validation codes.
	Code string
	// Detail explains the specific failure.
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// invalid builds a ValidationError with a formatted detail message.
func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{
		Code:   code,
		Detail: fmt.Sprintf(format, args...),
	}
}

// manifest is the on-wire shape of manifest.json.
type manifest struct {
	SchemaVersion string                       `json:"schema_version"`
	PackageID     string                       `json:"package_id"`
	CreatedAtUTC  string                       `json:"created_at_utc"`
	CreatedBy     string                       `json:"created_by"`
	Components    map[string]manifestComponent `json:"components"`
}

// manifestComponent is one component entry of the manifest. Bundles declare
// archive_path, firmware declares bin_path; exactly one must be set.
type manifestComponent struct {
	Version     string `json:"version"`
	ArchivePath string `json:"archive_path"`
	BinPath     string `json:"bin_path"`
	SHA256      string `json:"sha256"`
	FlashMode   string `json:"flash_mode"`
}

// ReadFile opens the archive at path and validates it.
func ReadFile(path string) (*domain.Package, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, invalid(CodeBadArchive, "open archive: %v", err)
	}

	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return nil, invalid(CodeBadArchive, "stat archive: %v", err)
	}

	return Read(file, info.Size())
}

// Read parses and validates an update archive. It returns the typed
// descriptor, or a *ValidationError describing the first problem found.
// No side effects: nothing is extracted or written.
func Read(archive io.ReaderAt, size int64) (*domain.Package, error) {
	zr, err := zip.NewReader(archive, size)
	if err != nil {
		return nil, invalid(CodeBadArchive, "not a readable archive: %v", err)
	}

	m, err := readManifest(zr)
	if err != nil {
		return nil, err
	}

	pkg, err := buildPackage(m)
	if err != nil {
		return nil, err
	}

	checksums, err := readChecksums(zr)
	if err != nil {
		return nil, err
	}

	if err := verifyPayloads(zr, pkg, checksums); err != nil {
		return nil, err
	}

	return pkg, nil
}

// readManifest locates and parses manifest.json.
func readManifest(zr *zip.Reader) (*manifest, error) {
	data, found, err := readArchiveFile(zr, ManifestFilename)
	if err != nil {
		return nil, invalid(CodeBadManifest, "read %s: %v", ManifestFilename, err)
	}

	if !found {
		return nil, invalid(CodeBadManifest, "%s not found in archive", ManifestFilename)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, invalid(CodeBadManifest, "parse %s: %v", ManifestFilename, err)
	}

	if m.SchemaVersion != SupportedSchemaVersion {
		return nil, invalid(CodeUnknownSchema, "unsupported schema version %q", m.SchemaVersion)
	}

	return &m, nil
}

// buildPackage converts a parsed manifest into the domain descriptor,
// validating each component entry along the way.
func buildPackage(m *manifest) (*domain.Package, error) {
	if len(m.Components) == 0 {
		return nil, invalid(CodeEmptyComponents, "package declares no components")
	}

	createdAt, err := time.Parse(time.RFC3339, m.CreatedAtUTC)
	if err != nil {
		return nil, invalid(CodeBadManifest, "parse created_at_utc: %v", err)
	}

	pkg := &domain.Package{
		PackageID:  m.PackageID,
		CreatedBy:  m.CreatedBy,
		CreatedAt:  createdAt.UTC().Truncate(time.Second),
		Components: make(map[string]domain.Component, len(m.Components)),
	}

	for name, entry := range m.Components {
		component, err := buildComponent(name, entry)
		if err != nil {
			return nil, err
		}

		pkg.Components[name] = component
	}

	return pkg, nil
}

// buildComponent validates a single manifest component entry.
func buildComponent(name string, entry manifestComponent) (domain.Component, error) {
	if !domain.KnownComponent(name) {
		return domain.Component{}, invalid(CodeUnknownComponent, "unknown component %q", name)
	}

	isFirmware := name == domain.ComponentFirmware

	payloadPath := entry.ArchivePath
	if isFirmware {
		payloadPath = entry.BinPath
	}

	switch {
	case payloadPath == "":
		return domain.Component{}, invalid(CodeBadManifest, "component %q declares no payload path", name)
	case isFirmware && entry.ArchivePath != "":
		return domain.Component{}, invalid(CodeBadManifest, "firmware component must use bin_path")
	case !isFirmware && entry.BinPath != "":
		return domain.Component{}, invalid(CodeBadManifest, "bundle component %q must use archive_path", name)
	case !isFirmware && entry.FlashMode != "":
		return domain.Component{}, invalid(CodeBadManifest, "flash_mode is only valid for firmware, found on %q", name)
	case isFirmware && entry.FlashMode == "":
		return domain.Component{}, invalid(CodeBadManifest, "firmware component is missing flash_mode")
	}

	if entry.Version == "" {
		return domain.Component{}, invalid(CodeBadManifest, "component %q is missing a version", name)
	}

	if !isHexDigest(entry.SHA256) {
		return domain.Component{}, invalid(CodeBadManifest,
			"component %q sha256 must be %d lowercase hex characters", name, hexDigestLength)
	}

	return domain.Component{
		Version:     entry.Version,
		PayloadPath: payloadPath,
		SHA256:      entry.SHA256,
		FlashMode:   entry.FlashMode,
	}, nil
}

// readChecksums parses checksums.sha256 into payload path -> hex digest.
func readChecksums(zr *zip.Reader) (map[string]string, error) {
	data, found, err := readArchiveFile(zr, ChecksumsFilename)
	if err != nil {
		return nil, invalid(CodeBadManifest, "read %s: %v", ChecksumsFilename, err)
	}

	if !found {
		return nil, invalid(CodeBadManifest, "%s not found in archive", ChecksumsFilename)
	}

	checksums := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		digest, path, ok := strings.Cut(line, "  ")
		if !ok || !isHexDigest(digest) {
			return nil, invalid(CodeBadManifest, "malformed %s line %q", ChecksumsFilename, line)
		}

		checksums[strings.TrimSpace(path)] = digest
	}

	if err := scanner.Err(); err != nil {
		return nil, invalid(CodeBadManifest, "scan %s: %v", ChecksumsFilename, err)
	}

	return checksums, nil
}

// verifyPayloads checks every declared payload against both digest
// declarations. The manifest digest and the checksum-file digest are
// independent and must both match the actual bytes.
func verifyPayloads(zr *zip.Reader, pkg *domain.Package, checksums map[string]string) error {
	for name, component := range pkg.Components {
		listed, ok := checksums[component.PayloadPath]
		if !ok {
			return invalid(CodeMissingPayload,
				"payload %s of component %q has no entry in %s", component.PayloadPath, name, ChecksumsFilename)
		}

		if listed != component.SHA256 {
			return invalid(CodeChecksumMismatch,
				"component %q: manifest and %s digests disagree", name, ChecksumsFilename)
		}

		data, found, err := readArchiveFile(zr, component.PayloadPath)
		if err != nil {
			return invalid(CodeBadArchive, "read payload %s: %v", component.PayloadPath, err)
		}

		if !found {
			return invalid(CodeMissingPayload,
				"payload %s of component %q not found in archive", component.PayloadPath, name)
		}

		digest := sha256.Sum256(data)
		if hex.EncodeToString(digest[:]) != component.SHA256 {
			return invalid(CodeChecksumMismatch,
				"component %q: payload bytes do not match declared sha256", name)
		}
	}

	return nil
}

// readArchiveFile returns the content of the named archive entry.
func readArchiveFile(zr *zip.Reader, name string) ([]byte, bool, error) {
	for _, file := range zr.File {
		if file.Name != name {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, true, err
		}

		defer func() {
			_ = rc.Close()
		}()

		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, true, err
		}

		return data, true, nil
	}

	return nil, false, nil
}

// isHexDigest reports whether s is a 64-character lowercase hex string.
func isHexDigest(s string) bool {
	if len(s) != hexDigestLength {
		return false
	}

	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}

	return true
}
