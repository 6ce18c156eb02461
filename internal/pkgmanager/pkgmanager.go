// Package pkgmanager implements PkgManager (spec §6): the façade the script
// runner and the sub-process entrypoint use to load an "update.bin"
// container, resolve a named inner file to its component metadata, and
// extract it into a caller-chosen stream. Grounded on
// original_source/services/flow_update/update_bin/{bin_process.cpp,
// component_processor.cpp}'s calls into PkgManager::GetFileInfo/
// CreatePkgStream/ExtractFile/ClosePkgStream; layered here directly over
// internal/upgradepkg.File and internal/pkgstream.Registry since
// pkg_managerImpl.cpp itself was not part of the retrieved pack.
package pkgmanager

import (
	"fmt"

	"github.com/open-edge-platform/updater-core/internal/codec"
	"github.com/open-edge-platform/updater-core/internal/logger"
	"github.com/open-edge-platform/updater-core/internal/pkgerr"
	"github.com/open-edge-platform/updater-core/internal/pkgstream"
	"github.com/open-edge-platform/updater-core/internal/upgradepkg"
)

var log = logger.Logger()

// Manager is the loaded "update.bin" container plus the name-keyed stream
// registry the running script uses to stage extraction targets
// (PkgManager in the original).
type Manager struct {
	file     *upgradepkg.File
	registry *pkgstream.Registry
}

// Load parses and signature-verifies an update.bin container from stream
// (spec §4.4's Load algorithm, delegated to upgradepkg.Load), returning a
// Manager ready to serve GetFileInfo/ExtractFile calls.
func Load(stream pkgstream.Stream, codecs *codec.Registry, verify upgradepkg.VerifyFunc) (*Manager, error) {
	f, err := upgradepkg.Load(stream, codecs, verify)
	if err != nil {
		return nil, err
	}
	return &Manager{file: f, registry: pkgstream.NewRegistry()}, nil
}

// Info returns the container's package-level metadata.
func (m *Manager) Info() upgradepkg.UpgradePkgInfo { return m.file.Info() }

// Components returns every inner file's component metadata, in declaration
// order (used by update_from_bin to enumerate a nested bin-flow container's
// partitions without needing to know their names up front).
func (m *Manager) Components() []upgradepkg.ComponentInfo { return m.file.Components() }

// GetFileInfo resolves name to its component table entry
// (PkgManager::GetFileInfo).
func (m *Manager) GetFileInfo(name string) (upgradepkg.ComponentInfo, error) {
	for _, c := range m.file.Components() {
		if c.Identity == name {
			return c, nil
		}
	}
	return upgradepkg.ComponentInfo{}, pkgerr.New(pkgerr.InvalidFile, "pkgmanager.GetFileInfo", fmt.Errorf("no such inner file %q", name))
}

// ExtractFile decompresses the named inner file into out
// (PkgManager::ExtractFile / ::CreatePkgStream + ExtractFile pair).
func (m *Manager) ExtractFile(name string, out pkgstream.Stream) error {
	return m.file.ExtractComponent(name, out)
}

// ExtractBytes extracts the whole named inner file into memory, for callers
// (script instructions, PtableManager loads) that need the complete blob
// rather than a streaming target.
func (m *Manager) ExtractBytes(name string) ([]byte, error) {
	mem := pkgstream.NewMemoryStream(nil)
	if err := m.ExtractFile(name, mem); err != nil {
		return nil, err
	}
	return mem.Bytes(), nil
}

// CreatePkgStream interns and returns a named stream, creating it via create
// on first use (PkgManager::CreatePkgStream's "callers reusing a name get
// back the same stream" contract, spec §9).
func (m *Manager) CreatePkgStream(name string, create func() (pkgstream.Stream, error)) (pkgstream.Stream, error) {
	return m.registry.GetOrCreate(name, create)
}

// Stream looks up a previously interned stream by name.
func (m *Manager) Stream(name string) (pkgstream.Stream, bool) {
	return m.registry.Lookup(name)
}

// ClosePkgStream releases every interned stream (PkgManager::ClosePkgStream,
// called once per running script on teardown).
func (m *Manager) ClosePkgStream() error {
	err := m.registry.Close()
	if err != nil {
		log.Warnf("pkgmanager: error closing streams: %v", err)
	}
	return err
}
