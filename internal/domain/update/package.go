package update

import "time"

// Component kinds known to the orchestrator. A package carries a non-empty
// subset of these; anything else is rejected at read time.
const (
	// ComponentCore is the measurement service bundle (tar.gz).
	ComponentCore = "core"
	// ComponentWeb is the static web assets bundle (tar.gz).
	ComponentWeb = "web"
	// ComponentFirmware is the raw firmware image flashed onto the board.
	ComponentFirmware = "firmware"
)

// ApplyOrder is the fixed precedence in which components are applied.
// Firmware goes last: it risks breaking connectivity, so it only runs once
// the service bundles are confirmed staged and deployed.
//
//nolint:gochecknoglobals // Fixed precedence table shared by engine and tests.
var ApplyOrder = []string{ComponentCore, ComponentWeb, ComponentFirmware}

// KnownComponent reports whether name belongs to the fixed component set.
func KnownComponent(name string) bool {
	for _, known := range ApplyOrder {
		if name == known {
			return true
		}
	}

	return false
}

// MandatesRestart reports whether applying the named component requires the
// measurement service to be restarted afterwards. The web assets bundle is
// picked up lazily by the HTTP server and does not need one.
func MandatesRestart(name string) bool {
	return name == ComponentCore || name == ComponentFirmware
}

// Component describes one payload inside an update package.
type Component struct {
	// Version is the semantic version declared for this component.
	Version string
	// PayloadPath is the path of the payload inside the archive.
	PayloadPath string
	// SHA256 is the lowercase hex digest declared for the payload bytes.
	SHA256 string
	// FlashMode is the installer discriminator, set only for firmware.
	FlashMode string
}

// Package is the parsed, validated content of an uploaded update archive.
// It is immutable after the reader returns it.
type Package struct {
	// PackageID is the operator-chosen token identifying the release.
	PackageID string
	// CreatedBy records who built the package.
	CreatedBy string
	// CreatedAt is the package build timestamp (UTC, second precision).
	CreatedAt time.Time
	// Components maps component name to its descriptor.
	Components map[string]Component
}

// OrderedComponents returns the package's component names in apply order.
func (p *Package) OrderedComponents() []string {
	names := make([]string, 0, len(p.Components))

	for _, name := range ApplyOrder {
		if _, ok := p.Components[name]; ok {
			names = append(names, name)
		}
	}

	return names
}

// MandatesRestart reports whether any component of the package requires a
// service restart after a successful apply.
func (p *Package) MandatesRestart() bool {
	for name := range p.Components {
		if MandatesRestart(name) {
			return true
		}
	}

	return false
}
