package vault

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harrishan/clawbox/pkg/audit"
	"github.com/harrishan/clawbox/pkg/crypto"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func initVault(t *testing.T, password string) *Vault {
	t.Helper()
	v := testVault(t)
	if err := v.Init(password); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return v
}

func TestLifecycle(t *testing.T) {
	v := testVault(t)

	initialized, err := v.IsInitialized()
	if err != nil {
		t.Fatalf("IsInitialized() error = %v", err)
	}
	if initialized {
		t.Error("IsInitialized() on fresh vault = true, want false")
	}
	if v.IsUnlocked() {
		t.Error("IsUnlocked() on fresh vault = true, want false")
	}

	if err := v.Init("correct-password"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if !v.IsUnlocked() {
		t.Error("IsUnlocked() after Init() = false, want true")
	}
	initialized, _ = v.IsInitialized()
	if !initialized {
		t.Error("IsInitialized() after Init() = false, want true")
	}

	if err := v.Set("test/key", "secret-value", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	v.Lock()
	if v.IsUnlocked() {
		t.Error("IsUnlocked() after Lock() = true, want false")
	}
	v.Lock() // idempotent

	if _, err := v.Get("test/key"); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Get() while locked error = %v, want ErrVaultLocked", err)
	}

	if err := v.Unlock("correct-password"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if !v.IsUnlocked() {
		t.Error("IsUnlocked() after Unlock() = false, want true")
	}

	got, err := v.Get("test/key")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "secret-value" {
		t.Errorf("Get() = %q, want %q", got, "secret-value")
	}
}

func TestUnlockWrongPassword(t *testing.T) {
	v := initVault(t, "correct-password")
	v.Lock()

	if err := v.Unlock("wrong-password"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("Unlock(wrong) error = %v, want ErrInvalidPassword", err)
	}
	if v.IsUnlocked() {
		t.Error("IsUnlocked() after failed unlock = true, want false")
	}
}

func TestUnlockUninitialized(t *testing.T) {
	v := testVault(t)
	// Uninitialized reads the same as wrong password.
	if err := v.Unlock("any"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("Unlock() on uninitialized vault error = %v, want ErrInvalidPassword", err)
	}
}

func TestInitTwiceFails(t *testing.T) {
	v := initVault(t, "password-one")
	if err := v.Init("password-two"); !errors.Is(err, ErrVaultAlreadyInitialized) {
		t.Errorf("second Init() error = %v, want ErrVaultAlreadyInitialized", err)
	}
	// The original key still works.
	v.Lock()
	if err := v.Unlock("password-one"); err != nil {
		t.Errorf("Unlock() after rejected re-init error = %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	v := initVault(t, "pw")
	if _, err := v.Get("no/such/path"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get() on missing path error = %v, want ErrSecretNotFound", err)
	}
}

func TestSetUpsert(t *testing.T) {
	v := initVault(t, "pw")

	if err := v.Set("db/password", "v1", SetOptions{Access: AccessNormal}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	before, err := v.List("db/password")
	if err != nil || len(before) != 1 {
		t.Fatalf("List() = (%v, %v), want one entry", before, err)
	}

	if err := v.Set("db/password", "v2", SetOptions{Access: AccessCritical, Tags: []string{"prod"}}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := v.Get("db/password")
	if err != nil || got != "v2" {
		t.Fatalf("Get() = (%q, %v), want v2", got, err)
	}

	after, _ := v.List("db/password")
	if len(after) != 1 {
		t.Fatalf("List() returned %d entries after upsert, want 1", len(after))
	}
	if !after[0].CreatedAt.Equal(before[0].CreatedAt) {
		t.Errorf("created_at changed on upsert: %v -> %v", before[0].CreatedAt, after[0].CreatedAt)
	}
	if after[0].Access != AccessCritical {
		t.Errorf("Access = %v, want critical", after[0].Access)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	v := initVault(t, "pw")

	if err := v.Set("tmp/key", "v", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	existed, err := v.Delete("tmp/key")
	if err != nil || !existed {
		t.Errorf("Delete() = (%v, %v), want (true, nil)", existed, err)
	}
	existed, err = v.Delete("tmp/key")
	if err != nil || existed {
		t.Errorf("second Delete() = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestListPattern(t *testing.T) {
	v := initVault(t, "pw")

	for _, path := range []string{"github/token", "github/ssh", "aws/key"} {
		if err := v.Set(path, "v", SetOptions{}); err != nil {
			t.Fatalf("Set(%q) error = %v", path, err)
		}
	}

	infos, err := v.List("github/*")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("List(github/*) returned %d entries, want 2", len(infos))
	}
	for _, info := range infos {
		if info.Path != "github/ssh" && info.Path != "github/token" {
			t.Errorf("List(github/*) returned %q", info.Path)
		}
	}
}

func TestValidateKeyPath(t *testing.T) {
	v := initVault(t, "pw")

	bad := []string{
		"",
		"/leading",
		"trailing/",
		"a/../b",
		".hidden",
		"-flag",
		"spa ce",
		"semi;colon",
	}
	for _, path := range bad {
		if err := v.Set(path, "v", SetOptions{}); err == nil {
			t.Errorf("Set(%q) succeeded, want validation error", path)
		}
	}

	good := []string{"a", "github/token", "a-b_c.d/e", "UPPER/case0"}
	for _, path := range good {
		if err := v.Set(path, "v", SetOptions{}); err != nil {
			t.Errorf("Set(%q) error = %v, want nil", path, err)
		}
	}
}

func TestSetOptionValidation(t *testing.T) {
	v := initVault(t, "pw")

	past := time.Now().Add(-time.Hour)
	if err := v.Set("a", "v", SetOptions{ExpiresAt: &past}); !errors.Is(err, ErrExpiresInPast) {
		t.Errorf("Set() with past expiry error = %v, want ErrExpiresInPast", err)
	}
	if err := v.Set("a", "v", SetOptions{Tags: []string{"bad tag"}}); !errors.Is(err, ErrTagInvalid) {
		t.Errorf("Set() with invalid tag error = %v, want ErrTagInvalid", err)
	}
	tags := make([]string, MaxTagCount+1)
	for i := range tags {
		tags[i] = "t"
	}
	if err := v.Set("a", "v", SetOptions{Tags: tags}); !errors.Is(err, ErrTooManyTags) {
		t.Errorf("Set() with too many tags error = %v, want ErrTooManyTags", err)
	}
}

func TestOperationsAreAudited(t *testing.T) {
	v := initVault(t, "pw")
	v.SetActor(audit.HumanActor("laptop"))

	if err := v.Set("github/token", "v", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := v.Get("github/token"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, err := v.Get("missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("Get(missing) error = %v", err)
	}

	entries, err := v.Audit(audit.Filter{})
	if err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	// init + write + successful read + failed read
	if len(entries) != 4 {
		t.Fatalf("Audit() returned %d entries, want 4", len(entries))
	}
	if entries[0].Action != audit.ActionRead || entries[0].Success {
		t.Errorf("latest entry = %+v, want failed read", entries[0])
	}
	if entries[0].ErrorMessage != "secret not found" {
		t.Errorf("ErrorMessage = %q, want %q", entries[0].ErrorMessage, "secret not found")
	}

	ok, err := v.VerifyAuditIntegrity()
	if err != nil {
		t.Fatalf("VerifyAuditIntegrity() error = %v", err)
	}
	if !ok {
		t.Error("VerifyAuditIntegrity() = false, want true")
	}
}

func TestExportKey(t *testing.T) {
	v := initVault(t, "pw")

	key, err := v.ExportKey()
	if err != nil {
		t.Fatalf("ExportKey() error = %v", err)
	}
	defer crypto.SecureWipe(key)
	if len(key) != crypto.KeyLength {
		t.Errorf("ExportKey() length = %d, want %d", len(key), crypto.KeyLength)
	}

	v.Lock()
	if _, err := v.ExportKey(); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("ExportKey() while locked error = %v, want ErrVaultLocked", err)
	}
}

func TestChangePassword(t *testing.T) {
	v := initVault(t, "old-password")

	if err := v.Set("github/token", "secret-value", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	before, _ := v.List("github/token")

	if err := v.ChangePassword("wrong-password", "new-password"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("ChangePassword(wrong) error = %v, want ErrInvalidPassword", err)
	}

	if err := v.ChangePassword("old-password", "new-password"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}

	// The new key is live without re-unlocking.
	got, err := v.Get("github/token")
	if err != nil || got != "secret-value" {
		t.Fatalf("Get() after rotation = (%q, %v)", got, err)
	}

	v.Lock()
	if err := v.Unlock("old-password"); !errors.Is(err, ErrInvalidPassword) {
		t.Errorf("Unlock(old) after rotation error = %v, want ErrInvalidPassword", err)
	}
	if err := v.Unlock("new-password"); err != nil {
		t.Fatalf("Unlock(new) after rotation error = %v", err)
	}
	got, err = v.Get("github/token")
	if err != nil || got != "secret-value" {
		t.Errorf("Get() after re-unlock = (%q, %v)", got, err)
	}

	// Rotation does not touch row metadata.
	after, _ := v.List("github/token")
	if len(before) == 1 && len(after) == 1 && !after[0].UpdatedAt.Equal(before[0].UpdatedAt) {
		t.Errorf("updated_at changed on rotation: %v -> %v", before[0].UpdatedAt, after[0].UpdatedAt)
	}
}

func TestPersistenceAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.db")

	v, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := v.Init("pw"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := v.Set("svc/key", "persisted", SetOptions{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	v2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer v2.Close()
	if err := v2.Unlock("pw"); err != nil {
		t.Fatalf("Unlock() after reopen error = %v", err)
	}
	got, err := v2.Get("svc/key")
	if err != nil || got != "persisted" {
		t.Errorf("Get() after reopen = (%q, %v), want persisted", got, err)
	}
}
