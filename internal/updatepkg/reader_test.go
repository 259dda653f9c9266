package updatepkg

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/metrolab/boxupdate/internal/domain/update"
)

// sha256Hex returns the lowercase hex SHA-256 digest of data.
func sha256Hex(data []byte) string {
	digest := sha256.Sum256(data)

	return hex.EncodeToString(digest[:])
}

// writeArchive builds a ZIP file with the given entries and returns its path.
func writeArchive(t *testing.T, entries map[string][]byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "package.zip")

	file, err := os.Create(path)
	require.NoError(t, err)

	zw := zip.NewWriter(file)

	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())
	require.NoError(t, file.Close())

	return path
}

// firmwareManifest renders a single-firmware manifest with the given digest.
func firmwareManifest(digest string) []byte {
	return fmt.Appendf(nil, `{
		"schema_version": "1.0",
		"package_id": "release-2026-08",
		"created_at_utc": "2026-08-01T10:30:00Z",
		"created_by": "ops@metrolab",
		"components": {
			"firmware": {
				"version": "3.4.1",
				"bin_path": "payloads/firmware.bin",
				"sha256": "%s",
				"flash_mode": "dfu"
			}
		}
	}`, digest)
}

// firmwareArchive builds a valid single-firmware package around image.
func firmwareArchive(t *testing.T, image []byte) string {
	t.Helper()

	digest := sha256Hex(image)

	return writeArchive(t, map[string][]byte{
		ManifestFilename:        firmwareManifest(digest),
		ChecksumsFilename:       []byte(digest + "  payloads/firmware.bin\n"),
		"payloads/firmware.bin": image,
	})
}

// requireCode asserts err is a ValidationError carrying the given code.
func requireCode(t *testing.T, err error, code string) {
	t.Helper()

	var validationErr *ValidationError

	require.ErrorAs(t, err, &validationErr)
	require.Equal(t, code, validationErr.Code)
}

// TestReadFile_ValidFirmwarePackage parses a well-formed package.
func TestReadFile_ValidFirmwarePackage(t *testing.T) {
	t.Parallel()

	image := []byte("firmware image bytes")
	path := firmwareArchive(t, image)

	pkg, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "release-2026-08", pkg.PackageID)
	require.Equal(t, "ops@metrolab", pkg.CreatedBy)
	require.Equal(t, time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC), pkg.CreatedAt)
	require.Len(t, pkg.Components, 1)

	firmware := pkg.Components[domain.ComponentFirmware]
	require.Equal(t, "3.4.1", firmware.Version)
	require.Equal(t, "payloads/firmware.bin", firmware.PayloadPath)
	require.Equal(t, "dfu", firmware.FlashMode)
	require.Equal(t, sha256Hex(image), firmware.SHA256)
}

// TestReadFile_FullPackage accepts all three components and orders them
// with firmware last.
func TestReadFile_FullPackage(t *testing.T) {
	t.Parallel()

	core := []byte("core bundle")
	web := []byte("web bundle")
	image := []byte("image")

	manifest := fmt.Appendf(nil, `{
		"schema_version": "1.0",
		"package_id": "release-full",
		"created_at_utc": "2026-08-01T10:30:00Z",
		"created_by": "ops",
		"components": {
			"core": {"version": "2.1.0", "archive_path": "payloads/core.tar.gz", "sha256": "%s"},
			"web": {"version": "2.1.0", "archive_path": "payloads/web.tar.gz", "sha256": "%s"},
			"firmware": {"version": "3.4.1", "bin_path": "payloads/firmware.bin", "sha256": "%s", "flash_mode": "dfu"}
		}
	}`, sha256Hex(core), sha256Hex(web), sha256Hex(image))

	checksums := fmt.Appendf(nil, "%s  payloads/core.tar.gz\n%s  payloads/web.tar.gz\n%s  payloads/firmware.bin\n",
		sha256Hex(core), sha256Hex(web), sha256Hex(image))

	path := writeArchive(t, map[string][]byte{
		ManifestFilename:        manifest,
		ChecksumsFilename:       checksums,
		"payloads/core.tar.gz":  core,
		"payloads/web.tar.gz":   web,
		"payloads/firmware.bin": image,
	})

	pkg, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{domain.ComponentCore, domain.ComponentWeb, domain.ComponentFirmware},
		pkg.OrderedComponents())
	require.True(t, pkg.MandatesRestart())
}

// TestReadFile_CorruptedPayload ensures a single flipped byte is caught.
func TestReadFile_CorruptedPayload(t *testing.T) {
	t.Parallel()

	image := []byte("firmware image bytes")
	digest := sha256Hex(image)

	corrupted := append([]byte(nil), image...)
	corrupted[3] ^= 0x01

	path := writeArchive(t, map[string][]byte{
		ManifestFilename:        firmwareManifest(digest),
		ChecksumsFilename:       []byte(digest + "  payloads/firmware.bin\n"),
		"payloads/firmware.bin": corrupted,
	})

	_, err := ReadFile(path)
	requireCode(t, err, CodeChecksumMismatch)
}

// TestReadFile_DigestDisagreement rejects packages where the manifest and
// the checksum file declare different digests.
func TestReadFile_DigestDisagreement(t *testing.T) {
	t.Parallel()

	image := []byte("firmware image bytes")
	other := sha256Hex([]byte("something else"))

	path := writeArchive(t, map[string][]byte{
		ManifestFilename:        firmwareManifest(sha256Hex(image)),
		ChecksumsFilename:       []byte(other + "  payloads/firmware.bin\n"),
		"payloads/firmware.bin": image,
	})

	_, err := ReadFile(path)
	requireCode(t, err, CodeChecksumMismatch)
}

// TestReadFile_MissingPayload covers a payload absent from the archive and
// a payload absent from the checksum file.
func TestReadFile_MissingPayload(t *testing.T) {
	t.Parallel()

	image := []byte("firmware image bytes")
	digest := sha256Hex(image)

	// Not in the archive.
	path := writeArchive(t, map[string][]byte{
		ManifestFilename:  firmwareManifest(digest),
		ChecksumsFilename: []byte(digest + "  payloads/firmware.bin\n"),
	})

	_, err := ReadFile(path)
	requireCode(t, err, CodeMissingPayload)

	// Not in the checksum file.
	path = writeArchive(t, map[string][]byte{
		ManifestFilename:        firmwareManifest(digest),
		ChecksumsFilename:       []byte{},
		"payloads/firmware.bin": image,
	})

	_, err = ReadFile(path)
	requireCode(t, err, CodeMissingPayload)
}

// TestReadFile_UnknownSchema rejects unsupported manifest schema versions.
func TestReadFile_UnknownSchema(t *testing.T) {
	t.Parallel()

	path := writeArchive(t, map[string][]byte{
		ManifestFilename:  []byte(`{"schema_version": "2.0", "components": {}}`),
		ChecksumsFilename: []byte{},
	})

	_, err := ReadFile(path)
	requireCode(t, err, CodeUnknownSchema)
}

// TestReadFile_EmptyComponents rejects packages declaring nothing to apply.
func TestReadFile_EmptyComponents(t *testing.T) {
	t.Parallel()

	path := writeArchive(t, map[string][]byte{
		ManifestFilename: []byte(`{
			"schema_version": "1.0",
			"package_id": "empty",
			"created_at_utc": "2026-08-01T10:30:00Z",
			"created_by": "ops",
			"components": {}
		}`),
		ChecksumsFilename: []byte{},
	})

	_, err := ReadFile(path)
	requireCode(t, err, CodeEmptyComponents)
}

// TestReadFile_UnknownComponent rejects names outside the fixed set.
func TestReadFile_UnknownComponent(t *testing.T) {
	t.Parallel()

	payload := []byte("payload")
	digest := sha256Hex(payload)

	manifest := fmt.Appendf(nil, `{
		"schema_version": "1.0",
		"package_id": "bad",
		"created_at_utc": "2026-08-01T10:30:00Z",
		"created_by": "ops",
		"components": {
			"bootloader": {"version": "1.0.0", "archive_path": "payloads/x.tar.gz", "sha256": "%s"}
		}
	}`, digest)

	path := writeArchive(t, map[string][]byte{
		ManifestFilename:     manifest,
		ChecksumsFilename:    []byte(digest + "  payloads/x.tar.gz\n"),
		"payloads/x.tar.gz":  payload,
	})

	_, err := ReadFile(path)
	requireCode(t, err, CodeUnknownComponent)
}

// TestReadFile_BadManifestShapes covers malformed manifest entries.
func TestReadFile_BadManifestShapes(t *testing.T) {
	t.Parallel()

	payload := []byte("payload")
	digest := sha256Hex(payload)

	cases := map[string]string{
		"flash mode on bundle": fmt.Sprintf(`{
			"schema_version": "1.0",
			"package_id": "p", "created_at_utc": "2026-08-01T10:30:00Z", "created_by": "ops",
			"components": {"core": {"version": "1.0.0", "archive_path": "p.tar.gz", "sha256": "%s", "flash_mode": "dfu"}}
		}`, digest),
		"firmware without flash mode": fmt.Sprintf(`{
			"schema_version": "1.0",
			"package_id": "p", "created_at_utc": "2026-08-01T10:30:00Z", "created_by": "ops",
			"components": {"firmware": {"version": "1.0.0", "bin_path": "p.bin", "sha256": "%s"}}
		}`, digest),
		"no payload path": `{
			"schema_version": "1.0",
			"package_id": "p", "created_at_utc": "2026-08-01T10:30:00Z", "created_by": "ops",
			"components": {"core": {"version": "1.0.0", "sha256": "abc"}}
		}`,
		"uppercase digest": fmt.Sprintf(`{
			"schema_version": "1.0",
			"package_id": "p", "created_at_utc": "2026-08-01T10:30:00Z", "created_by": "ops",
			"components": {"core": {"version": "1.0.0", "archive_path": "p.tar.gz", "sha256": "%s"}}
		}`, "ABCDEF"+digest[6:]),
		"missing version": fmt.Sprintf(`{
			"schema_version": "1.0",
			"package_id": "p", "created_at_utc": "2026-08-01T10:30:00Z", "created_by": "ops",
			"components": {"core": {"archive_path": "p.tar.gz", "sha256": "%s"}}
		}`, digest),
		"bad timestamp": fmt.Sprintf(`{
			"schema_version": "1.0",
			"package_id": "p", "created_at_utc": "yesterday", "created_by": "ops",
			"components": {"core": {"version": "1.0.0", "archive_path": "p.tar.gz", "sha256": "%s"}}
		}`, digest),
	}

	for name, manifest := range cases {
		manifest := manifest
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := writeArchive(t, map[string][]byte{
				ManifestFilename:  []byte(manifest),
				ChecksumsFilename: []byte(digest + "  p.tar.gz\n"),
				"p.tar.gz":        payload,
			})

			_, err := ReadFile(path)
			requireCode(t, err, CodeBadManifest)
		})
	}
}

// TestReadFile_NotAnArchive rejects files that are not ZIP archives.
func TestReadFile_NotAnArchive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "junk.zip")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zip"), 0o600))

	_, err := ReadFile(path)
	requireCode(t, err, CodeBadArchive)
}

// TestReadFile_MissingManifest rejects archives without manifest.json.
func TestReadFile_MissingManifest(t *testing.T) {
	t.Parallel()

	path := writeArchive(t, map[string][]byte{
		"random.txt": []byte("hello"),
	})

	_, err := ReadFile(path)
	requireCode(t, err, CodeBadManifest)
}
