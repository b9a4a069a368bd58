// Package sync reconciles a local vault with a remote copy.
//
// The model is whole-vault last-writer-wins: each side carries a
// monotonically increasing version counter, and whichever side is behind
// adopts the other's encrypted snapshot wholesale. There is no per-secret
// merge; two devices editing between syncs resolve to whichever pushed
// first. The remote only ever sees ciphertext.
package sync

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/harrishan/clawbox/pkg/crypto"
)

// File names on both sides of the sync boundary.
const (
	RemoteVaultFile = "vault.encrypted"
	RemoteMetaFile  = "vault.meta"
	LocalMetaFile   = "sync.meta"
	VaultDBFile     = "vault.db"
	BackupFile      = "vault.db.backup"
)

// hkdfInfoSync separates the sync encryption key from the vault key it is
// derived from. The raw vault key never encrypts remote data directly.
const hkdfInfoSync = "clawbox-sync-encryption"

// Errors
var (
	ErrRemoteUnavailable = errors.New("sync: remote is not available")
	ErrSyncKeyNotSet     = errors.New("sync: encryption key not set")
	ErrNoRemoteVault     = errors.New("sync: no vault found at remote")
	ErrRemoteCorrupted   = errors.New("sync: remote vault data is corrupted")
)

// Transport moves named files to and from the remote location. Implementations
// wrap a cloud-drive folder, removable media, or any byte store addressable
// by file name.
type Transport interface {
	// Available reports whether the remote can currently be reached.
	Available() bool
	// ReadFile returns the named remote file. Missing files return an
	// error satisfying errors.Is(err, fs.ErrNotExist).
	ReadFile(name string) ([]byte, error)
	// WriteFile creates or replaces the named remote file.
	WriteFile(name string, data []byte) error
}

// DirTransport is a Transport over a local directory, covering cloud-drive
// folders that materialize as part of the filesystem.
type DirTransport struct {
	Dir string
}

func (t *DirTransport) Available() bool {
	info, err := os.Stat(t.Dir)
	return err == nil && info.IsDir()
}

func (t *DirTransport) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(t.Dir, name))
}

func (t *DirTransport) WriteFile(name string, data []byte) error {
	if err := os.MkdirAll(t.Dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(t.Dir, name), data, 0600)
}

// Meta is the version record kept next to the vault locally and next to the
// encrypted blob remotely. On disk it is three plain lines: version,
// timestamp, device id.
type Meta struct {
	Version   uint64
	Timestamp uint64
	DeviceID  string
}

// NewMeta stamps a meta record for this device at the current time.
func NewMeta(version uint64) Meta {
	return Meta{
		Version:   version,
		Timestamp: uint64(time.Now().Unix()),
		DeviceID:  deviceID(),
	}
}

// ParseMeta decodes the three-line meta format. Missing or malformed lines
// degrade to zero values so a damaged meta file reads as version 0.
func ParseMeta(data []byte) Meta {
	var m Meta
	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 {
		m.Version, _ = strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 64)
	}
	if len(lines) > 1 {
		m.Timestamp, _ = strconv.ParseUint(strings.TrimSpace(lines[1]), 10, 64)
	}
	if len(lines) > 2 {
		m.DeviceID = strings.TrimSpace(lines[2])
	}
	return m
}

// Encode renders the three-line meta format.
func (m Meta) Encode() []byte {
	return []byte(fmt.Sprintf("%d\n%d\n%s", m.Version, m.Timestamp, m.DeviceID))
}

func deviceID() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// Status describes what a Sync call did.
type Status int

const (
	StatusUpToDate Status = iota
	StatusPushed
	StatusPulled
)

func (s Status) String() string {
	switch s {
	case StatusPushed:
		return "pushed"
	case StatusPulled:
		return "pulled"
	default:
		return "up to date"
	}
}

// Result reports the outcome of one sync pass.
type Result struct {
	Status        Status
	LocalVersion  uint64
	RemoteVersion uint64
}

// Manager drives version-based reconciliation for the vault stored under a
// local directory. It must not run concurrently with local vault mutation;
// callers serialize sync against set/delete on the same files.
type Manager struct {
	dir       string
	transport Transport
	key       *crypto.DerivedKey
}

// NewManager returns a manager for the vault directory dir (the directory
// holding vault.db) speaking to the given transport.
func NewManager(dir string, transport Transport) *Manager {
	return &Manager{dir: dir, transport: transport}
}

// SetKey installs the sync encryption key, derived from the unlocked
// vault's exported key material via HKDF-SHA256. The caller keeps ownership
// of vaultKey and wipes it; the manager wipes its derived copy on Close.
func (m *Manager) SetKey(vaultKey []byte) error {
	raw := make([]byte, crypto.KeyLength)
	r := hkdf.New(sha256.New, vaultKey, nil, []byte(hkdfInfoSync))
	if _, err := io.ReadFull(r, raw); err != nil {
		return fmt.Errorf("sync: failed to derive sync key: %w", err)
	}
	key, err := crypto.KeyFromBytes(raw)
	crypto.SecureWipe(raw)
	if err != nil {
		return err
	}
	if m.key != nil {
		m.key.Wipe()
	}
	m.key = key
	return nil
}

// Close wipes the derived sync key.
func (m *Manager) Close() {
	if m.key != nil {
		m.key.Wipe()
		m.key = nil
	}
}

// LocalVersion reads the local sync meta; a missing file is version 0.
func (m *Manager) LocalVersion() (uint64, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, LocalMetaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sync: failed to read local meta: %w", err)
	}
	return ParseMeta(data).Version, nil
}

// RemoteVersion reads the remote sync meta; a missing file is version 0.
func (m *Manager) RemoteVersion() (uint64, error) {
	if !m.transport.Available() {
		return 0, ErrRemoteUnavailable
	}
	data, err := m.transport.ReadFile(RemoteMetaFile)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sync: failed to read remote meta: %w", err)
	}
	return ParseMeta(data).Version, nil
}

// Sync compares versions and pushes, pulls, or does nothing. Transport and
// decryption failures leave both sides' versions untouched.
func (m *Manager) Sync() (*Result, error) {
	if !m.transport.Available() {
		return nil, ErrRemoteUnavailable
	}
	if m.key == nil {
		return nil, ErrSyncKeyNotSet
	}

	local, err := m.LocalVersion()
	if err != nil {
		return nil, err
	}
	remote, err := m.RemoteVersion()
	if err != nil {
		return nil, err
	}

	switch {
	case remote > local:
		if err := m.pull(); err != nil {
			return nil, err
		}
		return &Result{Status: StatusPulled, LocalVersion: remote, RemoteVersion: remote}, nil
	case local > remote:
		if err := m.push(local); err != nil {
			return nil, err
		}
		return &Result{Status: StatusPushed, LocalVersion: local + 1, RemoteVersion: local + 1}, nil
	default:
		return &Result{Status: StatusUpToDate, LocalVersion: local, RemoteVersion: remote}, nil
	}
}

// Push unconditionally uploads the local vault, bumping the version on both
// sides. Exposed for the explicit "push before pulling over my edits" flow.
func (m *Manager) Push() (*Result, error) {
	if !m.transport.Available() {
		return nil, ErrRemoteUnavailable
	}
	if m.key == nil {
		return nil, ErrSyncKeyNotSet
	}
	local, err := m.LocalVersion()
	if err != nil {
		return nil, err
	}
	if err := m.push(local); err != nil {
		return nil, err
	}
	return &Result{Status: StatusPushed, LocalVersion: local + 1, RemoteVersion: local + 1}, nil
}

// Pull unconditionally adopts the remote vault regardless of versions.
// The current local database is preserved as vault.db.backup first.
func (m *Manager) Pull() (*Result, error) {
	if !m.transport.Available() {
		return nil, ErrRemoteUnavailable
	}
	if m.key == nil {
		return nil, ErrSyncKeyNotSet
	}
	if err := m.pull(); err != nil {
		return nil, err
	}
	local, err := m.LocalVersion()
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusPulled, LocalVersion: local, RemoteVersion: local}, nil
}

// push encrypts vault.db and uploads it, then records version+1 remotely and
// locally. The blob upload precedes both meta writes so a transport failure
// never bumps a version without data behind it.
func (m *Manager) push(localVersion uint64) error {
	vaultData, err := os.ReadFile(filepath.Join(m.dir, VaultDBFile))
	if err != nil {
		return fmt.Errorf("sync: failed to read local vault: %w", err)
	}

	env, err := crypto.Encrypt(m.key, vaultData)
	if err != nil {
		return err
	}
	if err := m.transport.WriteFile(RemoteVaultFile, env.Seal()); err != nil {
		return fmt.Errorf("sync: failed to upload vault: %w", err)
	}

	meta := NewMeta(localVersion + 1)
	if err := m.transport.WriteFile(RemoteMetaFile, meta.Encode()); err != nil {
		return fmt.Errorf("sync: failed to write remote meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, LocalMetaFile), meta.Encode(), 0600); err != nil {
		return fmt.Errorf("sync: failed to write local meta: %w", err)
	}
	return nil
}

// pull downloads and decrypts the remote vault, backs up the current local
// database, replaces it, and adopts the remote meta. Decryption happens
// before anything local is touched.
func (m *Manager) pull() error {
	blob, err := m.transport.ReadFile(RemoteVaultFile)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNoRemoteVault
	}
	if err != nil {
		return fmt.Errorf("sync: failed to download vault: %w", err)
	}

	env, err := crypto.ParseEnvelope(blob)
	if err != nil {
		return fmt.Errorf("%w: blob shorter than one nonce", ErrRemoteCorrupted)
	}
	vaultData, err := crypto.Decrypt(m.key, env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteCorrupted, err)
	}

	metaData, err := m.transport.ReadFile(RemoteMetaFile)
	if err != nil {
		return fmt.Errorf("sync: failed to read remote meta: %w", err)
	}

	vaultDB := filepath.Join(m.dir, VaultDBFile)
	if _, err := os.Stat(vaultDB); err == nil {
		backup := filepath.Join(m.dir, BackupFile)
		if err := copyFile(vaultDB, backup); err != nil {
			return fmt.Errorf("sync: failed to back up local vault: %w", err)
		}
	}

	if err := os.WriteFile(vaultDB, vaultData, 0600); err != nil {
		return fmt.Errorf("sync: failed to write local vault: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, LocalMetaFile), metaData, 0600); err != nil {
		return fmt.Errorf("sync: failed to write local meta: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}
