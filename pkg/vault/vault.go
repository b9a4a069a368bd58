// Package vault implements the password-protected secret vault.
//
// A Vault binds a SQLite store, the audit ledger and an in-memory derived
// key into one lock/unlock state machine. All secret access goes through it:
// values are encrypted before they reach the store, every operation requires
// the vault to be unlocked, and every operation is recorded in the audit
// chain. The derived key exists only between Unlock (or Init) and Lock and
// is zeroized the moment the vault locks.
package vault

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harrishan/clawbox/pkg/audit"
	"github.com/harrishan/clawbox/pkg/crypto"
	"github.com/harrishan/clawbox/pkg/storage"
)

const (
	// verificationToken is the fixed plaintext encrypted at init and
	// decrypted at unlock to check the supplied password.
	verificationToken = "clawbox-verification-token"

	metaSalt              = "salt"
	metaVerificationNonce = "verification_nonce"
	metaVerificationData  = "verification_data"

	// Input validation limits
	MaxKeyLength = 256
	MinKeyLength = 1
	MaxValueSize = 1024 * 1024
	MaxNoteSize  = 10 * 1024
	MaxTagCount  = 10
	MaxTagLength = 64
)

// Errors
var (
	ErrVaultLocked             = errors.New("vault: vault is locked")
	ErrVaultNotInitialized     = errors.New("vault: vault is not initialized")
	ErrVaultAlreadyInitialized = errors.New("vault: vault is already initialized")
	ErrInvalidPassword         = errors.New("vault: invalid master password")
	ErrSecretNotFound          = errors.New("vault: secret not found")
	ErrKeyTooShort             = errors.New("vault: key path too short")
	ErrKeyTooLong              = errors.New("vault: key path too long")
	ErrKeyInvalid              = errors.New("vault: key path contains invalid characters")
	ErrValueTooLarge           = errors.New("vault: value too large")
	ErrNoteTooLarge            = errors.New("vault: note too large")
	ErrTooManyTags             = errors.New("vault: too many tags")
	ErrTagInvalid              = errors.New("vault: invalid tag format")
	ErrExpiresInPast           = errors.New("vault: expiration must be in the future")
)

// AccessLevel classifies how sensitive a secret is. The vault stores and
// reports the level; enforcement beyond locked/unlocked belongs to the
// policy layer above it.
type AccessLevel int

const (
	AccessPublic AccessLevel = iota
	AccessNormal
	AccessSensitive
	AccessCritical
)

// String returns the lowercase name of the level.
func (a AccessLevel) String() string {
	switch a {
	case AccessPublic:
		return "public"
	case AccessNormal:
		return "normal"
	case AccessSensitive:
		return "sensitive"
	case AccessCritical:
		return "critical"
	default:
		return fmt.Sprintf("access(%d)", int(a))
	}
}

// ParseAccessLevel parses a level name, case-insensitive.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch strings.ToLower(s) {
	case "public":
		return AccessPublic, nil
	case "normal", "":
		return AccessNormal, nil
	case "sensitive":
		return AccessSensitive, nil
	case "critical":
		return AccessCritical, nil
	default:
		return AccessNormal, fmt.Errorf("vault: unknown access level %q", s)
	}
}

// SetOptions carries the metadata stored alongside a secret value.
type SetOptions struct {
	Access    AccessLevel
	Tags      []string
	Note      string
	ExpiresAt *time.Time
}

// SecretInfo is the metadata returned by List. Values are never included.
type SecretInfo struct {
	Path      string
	Access    AccessLevel
	Tags      []string
	Note      string
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
}

// Vault is the password-protected secret store.
type Vault struct {
	mu     sync.RWMutex
	path   string
	store  *storage.Store
	ledger *audit.Ledger
	key    *crypto.DerivedKey
	actor  audit.Actor
	source audit.Source
}

// Open binds a vault to the database file at path, creating it if absent.
// An uninitialized vault is valid; it just cannot be unlocked until Init.
func Open(path string) (*Vault, error) {
	store, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	return &Vault{
		path:   path,
		store:  store,
		ledger: audit.NewLedger(store),
		actor:  audit.HumanActor("unknown"),
		source: audit.Source{Type: "cli"},
	}, nil
}

// Close locks the vault and releases the storage connection. Safe to call
// on every exit path; the key is wiped even if the close fails.
func (v *Vault) Close() error {
	v.Lock()
	return v.store.Close()
}

// Path returns the database file path this vault is bound to.
func (v *Vault) Path() string { return v.path }

// SetActor records who is driving subsequent operations, for audit entries
// and the created_by column.
func (v *Vault) SetActor(actor audit.Actor) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.actor = actor
}

// SetSource records where requests enter the system (cli, mcp, api).
func (v *Vault) SetSource(source audit.Source) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.source = source
}

// IsInitialized reports whether a salt has been persisted.
func (v *Vault) IsInitialized() (bool, error) {
	salt, err := v.store.GetMeta(metaSalt)
	if err != nil {
		return false, err
	}
	return salt != nil, nil
}

// Init sets the master password on a fresh vault: it generates the salt,
// derives the key, encrypts the verification token under it and persists
// both. On success the vault is unlocked with the new key. Initializing an
// already-initialized vault fails; silently replacing the salt would make
// every existing secret permanently undecryptable.
func (v *Vault) Init(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	initialized, err := v.IsInitialized()
	if err != nil {
		return err
	}
	if initialized {
		return ErrVaultAlreadyInitialized
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		v.logAudit(audit.ActionInit, "", false, err.Error())
		return err
	}

	key := crypto.DeriveKey([]byte(password), salt)
	env, err := crypto.Encrypt(key, []byte(verificationToken))
	if err != nil {
		key.Wipe()
		v.logAudit(audit.ActionInit, "", false, err.Error())
		return err
	}

	if err := v.store.SetMeta(metaSalt, salt); err != nil {
		key.Wipe()
		v.logAudit(audit.ActionInit, "", false, err.Error())
		return err
	}
	if err := v.store.SetMeta(metaVerificationNonce, env.Nonce); err != nil {
		key.Wipe()
		v.logAudit(audit.ActionInit, "", false, err.Error())
		return err
	}
	if err := v.store.SetMeta(metaVerificationData, env.Ciphertext); err != nil {
		key.Wipe()
		v.logAudit(audit.ActionInit, "", false, err.Error())
		return err
	}

	v.key = key
	v.logAudit(audit.ActionInit, "", true, "")
	return nil
}

// Unlock re-derives the key from the stored salt and checks it against the
// persisted verification token. Every failure mode reads the same to the
// caller: missing salt, wrong password and a corrupted verification record
// all return ErrInvalidPassword, so the error never reveals which occurred.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key != nil {
		return nil
	}

	salt, err := v.store.GetMeta(metaSalt)
	if err != nil {
		v.logAudit(audit.ActionUnlock, "", false, "storage error")
		return err
	}
	nonce, err := v.store.GetMeta(metaVerificationNonce)
	if err != nil {
		v.logAudit(audit.ActionUnlock, "", false, "storage error")
		return err
	}
	data, err := v.store.GetMeta(metaVerificationData)
	if err != nil {
		v.logAudit(audit.ActionUnlock, "", false, "storage error")
		return err
	}
	if salt == nil || nonce == nil || data == nil {
		v.logAudit(audit.ActionUnlock, "", false, "invalid password")
		return ErrInvalidPassword
	}

	key := crypto.DeriveKey([]byte(password), salt)
	plaintext, err := crypto.Decrypt(key, &crypto.Envelope{Nonce: nonce, Ciphertext: data})
	if err != nil || string(plaintext) != verificationToken {
		key.Wipe()
		crypto.SecureWipe(plaintext)
		v.logAudit(audit.ActionUnlock, "", false, "invalid password")
		return ErrInvalidPassword
	}
	crypto.SecureWipe(plaintext)

	v.key = key
	v.logAudit(audit.ActionUnlock, "", true, "")
	return nil
}

// Lock discards and zeroizes the session key. Idempotent.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return
	}
	v.key.Wipe()
	v.key = nil
	v.logAudit(audit.ActionLock, "", true, "")
}

// IsUnlocked reports whether a session key is held.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Get returns the decrypted secret value at path. Missing secrets fail with
// ErrSecretNotFound; a stored blob that is too short or fails authentication
// fails with crypto.ErrDecryptionFailed. Every outcome is audited.
func (v *Vault) Get(path string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		return "", ErrVaultLocked
	}
	if err := validateKeyPath(path); err != nil {
		return "", err
	}

	blob, err := v.store.Get(path)
	if err != nil {
		v.logAudit(audit.ActionRead, path, false, "storage error")
		return "", err
	}
	if blob == nil {
		v.logAudit(audit.ActionRead, path, false, "secret not found")
		return "", ErrSecretNotFound
	}

	env, err := crypto.ParseEnvelope(blob)
	if err != nil {
		v.logAudit(audit.ActionRead, path, false, "malformed envelope")
		return "", fmt.Errorf("%w: stored blob is malformed", crypto.ErrDecryptionFailed)
	}
	plaintext, err := crypto.Decrypt(v.key, env)
	if err != nil {
		v.logAudit(audit.ActionRead, path, false, "decryption failed")
		return "", err
	}

	v.logAudit(audit.ActionRead, path, true, "")
	value := string(plaintext)
	crypto.SecureWipe(plaintext)
	return value, nil
}

// Set encrypts value and upserts it at path. Setting an existing path
// replaces the value and metadata and refreshes updated_at; created_at and
// the row id survive the replace.
func (v *Vault) Set(path, value string, opts SetOptions) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return ErrVaultLocked
	}
	if err := validateKeyPath(path); err != nil {
		return err
	}
	if err := validateOptions(value, opts); err != nil {
		return err
	}

	env, err := crypto.Encrypt(v.key, []byte(value))
	if err != nil {
		v.logAudit(audit.ActionWrite, path, false, "encryption failed")
		return err
	}

	rec := &storage.SecretRecord{
		Path:         path,
		AccessLevel:  int(opts.Access),
		Tags:         opts.Tags,
		Note:         opts.Note,
		TTLExpiresAt: opts.ExpiresAt,
		CreatedBy:    v.actor.String(),
	}
	if err := v.store.Upsert(env.Seal(), rec); err != nil {
		v.logAudit(audit.ActionWrite, path, false, "storage error")
		return err
	}

	v.logAudit(audit.ActionWrite, path, true, "")
	return nil
}

// Delete removes the secret at path and reports whether it existed.
// Deleting a missing path is not an error.
func (v *Vault) Delete(path string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return false, ErrVaultLocked
	}
	if err := validateKeyPath(path); err != nil {
		return false, err
	}

	existed, err := v.store.Delete(path)
	if err != nil {
		v.logAudit(audit.ActionDelete, path, false, "storage error")
		return false, err
	}

	v.logAudit(audit.ActionDelete, path, existed, "")
	return existed, nil
}

// List returns metadata for secrets whose path matches pattern, ordered by
// path. `*` matches any run of characters; an empty pattern lists every
// secret. Values are never decrypted.
func (v *Vault) List(pattern string) ([]SecretInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		return nil, ErrVaultLocked
	}

	records, err := v.store.List(pattern)
	if err != nil {
		return nil, err
	}

	infos := make([]SecretInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, SecretInfo{
			Path:      rec.Path,
			Access:    AccessLevel(rec.AccessLevel),
			Tags:      rec.Tags,
			Note:      rec.Note,
			ExpiresAt: rec.TTLExpiresAt,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
			CreatedBy: rec.CreatedBy,
		})
	}
	return infos, nil
}

// Audit returns audit entries matching f, most recent first. Readable while
// locked; the ledger holds no secret values.
func (v *Vault) Audit(f audit.Filter) ([]audit.Entry, error) {
	return v.ledger.Query(f)
}

// VerifyAuditIntegrity replays the full audit chain and reports whether
// every link holds.
func (v *Vault) VerifyAuditIntegrity() (bool, error) {
	return v.ledger.VerifyIntegrity()
}

// ChangePassword rotates the master password: it verifies the old password,
// derives a new key under a fresh salt, and re-encrypts the verification
// token and every stored secret. On success the vault holds the new key.
// All ciphertexts are prepared in memory before the first row is written.
func (v *Vault) ChangePassword(oldPassword, newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	salt, err := v.store.GetMeta(metaSalt)
	if err != nil {
		return err
	}
	nonce, err := v.store.GetMeta(metaVerificationNonce)
	if err != nil {
		return err
	}
	data, err := v.store.GetMeta(metaVerificationData)
	if err != nil {
		return err
	}
	if salt == nil || nonce == nil || data == nil {
		return ErrInvalidPassword
	}

	oldKey := crypto.DeriveKey([]byte(oldPassword), salt)
	defer oldKey.Wipe()
	token, err := crypto.Decrypt(oldKey, &crypto.Envelope{Nonce: nonce, Ciphertext: data})
	if err != nil || string(token) != verificationToken {
		crypto.SecureWipe(token)
		return ErrInvalidPassword
	}
	crypto.SecureWipe(token)

	newSalt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	newKey := crypto.DeriveKey([]byte(newPassword), newSalt)

	records, err := v.store.List("")
	if err != nil {
		newKey.Wipe()
		return err
	}
	rewrapped := make(map[string][]byte, len(records))
	for _, rec := range records {
		blob, err := v.store.Get(rec.Path)
		if err != nil {
			newKey.Wipe()
			return err
		}
		env, err := crypto.ParseEnvelope(blob)
		if err != nil {
			newKey.Wipe()
			return fmt.Errorf("%w: secret %q is malformed", crypto.ErrDecryptionFailed, rec.Path)
		}
		plaintext, err := crypto.Decrypt(oldKey, env)
		if err != nil {
			newKey.Wipe()
			return err
		}
		newEnv, err := crypto.Encrypt(newKey, plaintext)
		crypto.SecureWipe(plaintext)
		if err != nil {
			newKey.Wipe()
			return err
		}
		rewrapped[rec.Path] = newEnv.Seal()
	}

	tokenEnv, err := crypto.Encrypt(newKey, []byte(verificationToken))
	if err != nil {
		newKey.Wipe()
		return err
	}

	for path, blob := range rewrapped {
		if err := v.store.UpdateValue(path, blob); err != nil {
			newKey.Wipe()
			return err
		}
	}
	if err := v.store.SetMeta(metaSalt, newSalt); err != nil {
		newKey.Wipe()
		return err
	}
	if err := v.store.SetMeta(metaVerificationNonce, tokenEnv.Nonce); err != nil {
		newKey.Wipe()
		return err
	}
	if err := v.store.SetMeta(metaVerificationData, tokenEnv.Ciphertext); err != nil {
		newKey.Wipe()
		return err
	}

	if v.key != nil {
		v.key.Wipe()
	}
	v.key = newKey
	v.logAudit(audit.ActionWrite, "", true, "")
	return nil
}

// ExportKey returns a copy of the session key for sync-bundle encryption.
// The caller owns the copy and must wipe it. Audited as an export.
func (v *Vault) ExportKey() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		return nil, ErrVaultLocked
	}
	v.logAudit(audit.ActionExport, "", true, "")
	return v.key.Export(), nil
}

// logAudit appends one entry best-effort. A ledger failure never blocks the
// operation that triggered it; the chain simply does not grow.
func (v *Vault) logAudit(action audit.Action, keyPath string, success bool, errMsg string) {
	_ = v.ledger.Log(v.actor, action, keyPath, success, errMsg, v.source)
}

// validateKeyPath validates a secret path: slash-delimited segments of
// alphanumerics, dash, underscore and dot, no traversal patterns.
func validateKeyPath(path string) error {
	if len(path) < MinKeyLength {
		return ErrKeyTooShort
	}
	if len(path) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for _, r := range path {
		if !isValidPathChar(r) {
			return fmt.Errorf("%w: %q is not allowed", ErrKeyInvalid, r)
		}
	}
	if path[0] == '.' || path[0] == '-' {
		return fmt.Errorf("%w: cannot start with '.' or '-'", ErrKeyInvalid)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: cannot contain '..'", ErrKeyInvalid)
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: cannot start or end with '/'", ErrKeyInvalid)
	}
	return nil
}

func isValidPathChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.' || r == '/'
}

func validateOptions(value string, opts SetOptions) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d",
			ErrValueTooLarge, len(value), MaxValueSize)
	}
	if len(opts.Note) > MaxNoteSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d",
			ErrNoteTooLarge, len(opts.Note), MaxNoteSize)
	}
	if len(opts.Tags) > MaxTagCount {
		return fmt.Errorf("%w: %d tags exceeds maximum of %d",
			ErrTooManyTags, len(opts.Tags), MaxTagCount)
	}
	for _, tag := range opts.Tags {
		if len(tag) == 0 || len(tag) > MaxTagLength {
			return fmt.Errorf("%w: tag %q must be 1-%d characters",
				ErrTagInvalid, tag, MaxTagLength)
		}
		for _, r := range tag {
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
				(r >= '0' && r <= '9') || r == '-' || r == '_') {
				return fmt.Errorf("%w: tag %q must match [a-zA-Z0-9_-]", ErrTagInvalid, tag)
			}
		}
	}
	if opts.ExpiresAt != nil && opts.ExpiresAt.Before(time.Now()) {
		return ErrExpiresInPast
	}
	return nil
}
