package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSetsFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != FileMode {
		t.Errorf("database file mode = %o, want %o", perm, FileMode)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := testStore(t)

	got, err := s.GetMeta("salt")
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetMeta() on empty store = %v, want nil", got)
	}

	value := []byte{0x01, 0x02, 0x03}
	if err := s.SetMeta("salt", value); err != nil {
		t.Fatalf("SetMeta() error = %v", err)
	}
	got, err = s.GetMeta("salt")
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("GetMeta() = %v, want %v", got, value)
	}

	// Replacement overwrites in place.
	if err := s.SetMeta("salt", []byte{0xFF}); err != nil {
		t.Fatalf("SetMeta() error = %v", err)
	}
	got, _ = s.GetMeta("salt")
	if !bytes.Equal(got, []byte{0xFF}) {
		t.Errorf("GetMeta() after replace = %v, want [255]", got)
	}
}

func TestSecretUpsertAndGet(t *testing.T) {
	s := testStore(t)

	if got, err := s.Get("missing"); err != nil || got != nil {
		t.Fatalf("Get() on missing path = (%v, %v), want (nil, nil)", got, err)
	}

	blob := []byte("encrypted-bytes")
	rec := &SecretRecord{
		Path:        "github/token",
		AccessLevel: 2,
		Tags:        []string{"ci", "github"},
		Note:        "rotate quarterly",
		CreatedBy:   "human:laptop",
	}
	if err := s.Upsert(blob, rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get("github/token")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("Get() = %q, want %q", got, blob)
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	s := testStore(t)

	rec := &SecretRecord{Path: "db/password", AccessLevel: 1, CreatedBy: "human:host"}
	if err := s.Upsert([]byte("v1"), rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	before, err := s.List("db/password")
	if err != nil || len(before) != 1 {
		t.Fatalf("List() = (%v, %v), want one record", before, err)
	}

	time.Sleep(1100 * time.Millisecond)

	rec2 := &SecretRecord{Path: "db/password", AccessLevel: 3, CreatedBy: "ai:assistant"}
	if err := s.Upsert([]byte("v2"), rec2); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	after, err := s.List("db/password")
	if err != nil || len(after) != 1 {
		t.Fatalf("List() = (%v, %v), want one record", after, err)
	}

	if !after[0].CreatedAt.Equal(before[0].CreatedAt) {
		t.Errorf("created_at changed on upsert: %v -> %v", before[0].CreatedAt, after[0].CreatedAt)
	}
	if after[0].ID != before[0].ID {
		t.Errorf("id changed on upsert: %s -> %s", before[0].ID, after[0].ID)
	}
	if after[0].CreatedBy != before[0].CreatedBy {
		t.Errorf("created_by changed on upsert: %s -> %s", before[0].CreatedBy, after[0].CreatedBy)
	}
	if !after[0].UpdatedAt.After(before[0].UpdatedAt) {
		t.Errorf("updated_at not advanced: %v -> %v", before[0].UpdatedAt, after[0].UpdatedAt)
	}
	if after[0].AccessLevel != 3 {
		t.Errorf("access_level = %d, want 3", after[0].AccessLevel)
	}

	got, _ := s.Get("db/password")
	if string(got) != "v2" {
		t.Errorf("Get() after upsert = %q, want %q", got, "v2")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	rec := &SecretRecord{Path: "tmp/key", CreatedBy: "human:host"}
	if err := s.Upsert([]byte("v"), rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	existed, err := s.Delete("tmp/key")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !existed {
		t.Error("Delete() = false, want true for existing secret")
	}

	existed, err = s.Delete("tmp/key")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if existed {
		t.Error("Delete() = true, want false for missing secret")
	}
}

func TestListPattern(t *testing.T) {
	s := testStore(t)

	for _, path := range []string{"github/token", "github/ssh", "aws/key", "db/password"} {
		rec := &SecretRecord{Path: path, CreatedBy: "human:host"}
		if err := s.Upsert([]byte("v"), rec); err != nil {
			t.Fatalf("Upsert(%q) error = %v", path, err)
		}
	}

	tests := []struct {
		pattern string
		want    []string
	}{
		{"", []string{"aws/key", "db/password", "github/ssh", "github/token"}},
		{"*", []string{"aws/key", "db/password", "github/ssh", "github/token"}},
		{"github/*", []string{"github/ssh", "github/token"}},
		{"*token*", []string{"github/token"}},
		{"nothing/*", nil},
	}

	for _, tt := range tests {
		records, err := s.List(tt.pattern)
		if err != nil {
			t.Fatalf("List(%q) error = %v", tt.pattern, err)
		}
		var got []string
		for _, r := range records {
			got = append(got, r.Path)
		}
		if len(got) != len(tt.want) {
			t.Errorf("List(%q) = %v, want %v", tt.pattern, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("List(%q)[%d] = %q, want %q", tt.pattern, i, got[i], tt.want[i])
			}
		}
	}
}

func TestListUnderscoreIsLiteral(t *testing.T) {
	s := testStore(t)

	for _, path := range []string{"api_key", "apiXkey", "100%"} {
		rec := &SecretRecord{Path: path, CreatedBy: "human:host"}
		if err := s.Upsert([]byte("v"), rec); err != nil {
			t.Fatalf("Upsert(%q) error = %v", path, err)
		}
	}

	tests := []struct {
		pattern string
		want    []string
	}{
		{"api_key", []string{"api_key"}},
		{"api_*", []string{"api_key"}},
		{"100%", []string{"100%"}},
	}

	for _, tt := range tests {
		records, err := s.List(tt.pattern)
		if err != nil {
			t.Fatalf("List(%q) error = %v", tt.pattern, err)
		}
		var got []string
		for _, r := range records {
			got = append(got, r.Path)
		}
		if len(got) != len(tt.want) {
			t.Errorf("List(%q) = %v, want %v", tt.pattern, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("List(%q)[%d] = %q, want %q", tt.pattern, i, got[i], tt.want[i])
			}
		}
	}
}

func TestListMetadataFields(t *testing.T) {
	s := testStore(t)

	expires := time.Now().Add(24 * time.Hour).Truncate(time.Second).UTC()
	rec := &SecretRecord{
		Path:         "api/key",
		AccessLevel:  2,
		Tags:         []string{"prod", "billing"},
		Note:         "issued 2026-08",
		TTLExpiresAt: &expires,
		CreatedBy:    "app:deployer",
	}
	if err := s.Upsert([]byte("v"), rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	records, err := s.List("")
	if err != nil || len(records) != 1 {
		t.Fatalf("List() = (%v, %v), want one record", records, err)
	}
	got := records[0]
	if got.ID == "" {
		t.Error("List() record has empty id")
	}
	if got.AccessLevel != 2 {
		t.Errorf("AccessLevel = %d, want 2", got.AccessLevel)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "prod" || got.Tags[1] != "billing" {
		t.Errorf("Tags = %v, want [prod billing]", got.Tags)
	}
	if got.Note != "issued 2026-08" {
		t.Errorf("Note = %q", got.Note)
	}
	if got.TTLExpiresAt == nil || !got.TTLExpiresAt.Equal(expires) {
		t.Errorf("TTLExpiresAt = %v, want %v", got.TTLExpiresAt, expires)
	}
	if got.CreatedBy != "app:deployer" {
		t.Errorf("CreatedBy = %q", got.CreatedBy)
	}
}

func insertAuditRow(t *testing.T, s *Store, id, actor, action, keyPath, hash, prev string, ts int64) {
	t.Helper()
	row := &AuditRow{
		ID:        id,
		Timestamp: ts,
		Actor:     actor,
		Action:    action,
		KeyPath:   keyPath,
		Success:   true,
		Source:    `{"type":"cli"}`,
		Hash:      hash,
		PrevHash:  prev,
	}
	if err := s.InsertAudit(row); err != nil {
		t.Fatalf("InsertAudit(%s) error = %v", id, err)
	}
}

func TestAuditInsertAndLastHash(t *testing.T) {
	s := testStore(t)

	hash, err := s.LastAuditHash()
	if err != nil {
		t.Fatalf("LastAuditHash() error = %v", err)
	}
	if hash != "" {
		t.Errorf("LastAuditHash() on empty log = %q, want \"\"", hash)
	}

	human := `{"type":"human","identifier":"laptop"}`
	insertAuditRow(t, s, "a1", human, "write", "github/token", "h1", "", 100)
	insertAuditRow(t, s, "a2", human, "read", "github/token", "h2", "h1", 200)

	hash, err = s.LastAuditHash()
	if err != nil {
		t.Fatalf("LastAuditHash() error = %v", err)
	}
	if hash != "h2" {
		t.Errorf("LastAuditHash() = %q, want %q", hash, "h2")
	}
}

func TestQueryAudit(t *testing.T) {
	s := testStore(t)

	human := `{"type":"human","identifier":"laptop"}`
	ai := `{"type":"ai","identifier":"assistant"}`
	insertAuditRow(t, s, "a1", human, "write", "github/token", "h1", "", 100)
	insertAuditRow(t, s, "a2", ai, "read", "github/token", "h2", "h1", 200)
	insertAuditRow(t, s, "a3", human, "read", "aws/key", "h3", "h2", 300)

	// No filters: most recent first.
	rows, err := s.QueryAudit(AuditQuery{})
	if err != nil {
		t.Fatalf("QueryAudit() error = %v", err)
	}
	if len(rows) != 3 || rows[0].ID != "a3" || rows[2].ID != "a1" {
		t.Errorf("QueryAudit() order = %v, want a3..a1", rows)
	}

	// Key path substring.
	rows, _ = s.QueryAudit(AuditQuery{KeyPath: "github"})
	if len(rows) != 2 {
		t.Errorf("QueryAudit(KeyPath) returned %d rows, want 2", len(rows))
	}

	// Actor type.
	rows, _ = s.QueryAudit(AuditQuery{ActorType: "ai"})
	if len(rows) != 1 || rows[0].ID != "a2" {
		t.Errorf("QueryAudit(ActorType=ai) = %v, want [a2]", rows)
	}

	// Action.
	rows, _ = s.QueryAudit(AuditQuery{Action: "read"})
	if len(rows) != 2 {
		t.Errorf("QueryAudit(Action=read) returned %d rows, want 2", len(rows))
	}

	// Time window.
	rows, _ = s.QueryAudit(AuditQuery{Since: time.Unix(150, 0), Until: time.Unix(250, 0)})
	if len(rows) != 1 || rows[0].ID != "a2" {
		t.Errorf("QueryAudit(Since/Until) = %v, want [a2]", rows)
	}

	// Limit applies after ordering.
	rows, _ = s.QueryAudit(AuditQuery{Limit: 2})
	if len(rows) != 2 || rows[0].ID != "a3" {
		t.Errorf("QueryAudit(Limit=2) = %v, want [a3 a2]", rows)
	}
}

func TestQueryAuditKeyPathUnderscoreIsLiteral(t *testing.T) {
	s := testStore(t)

	human := `{"type":"human","identifier":"laptop"}`
	insertAuditRow(t, s, "a1", human, "read", "api_key", "h1", "", 100)
	insertAuditRow(t, s, "a2", human, "read", "apiXkey", "h2", "h1", 200)

	rows, err := s.QueryAudit(AuditQuery{KeyPath: "api_key"})
	if err != nil {
		t.Fatalf("QueryAudit() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "a1" {
		t.Errorf("QueryAudit(KeyPath=api_key) = %v, want only a1", rows)
	}
}

func TestAuditRowsAsc(t *testing.T) {
	s := testStore(t)

	human := `{"type":"human","identifier":"laptop"}`
	insertAuditRow(t, s, "a1", human, "init", "", "h1", "", 100)
	insertAuditRow(t, s, "a2", human, "unlock", "", "h2", "h1", 200)

	rows, err := s.AuditRowsAsc()
	if err != nil {
		t.Fatalf("AuditRowsAsc() error = %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "a1" || rows[1].ID != "a2" {
		t.Errorf("AuditRowsAsc() = %v, want oldest first", rows)
	}
	if rows[0].PrevHash != "" {
		t.Errorf("first row prev_hash = %q, want \"\"", rows[0].PrevHash)
	}
	if rows[1].PrevHash != "h1" {
		t.Errorf("second row prev_hash = %q, want %q", rows[1].PrevHash, "h1")
	}
}

func TestClosedStore(t *testing.T) {
	s := testStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := s.Get("x"); err != ErrClosed {
		t.Errorf("Get() on closed store error = %v, want ErrClosed", err)
	}
	if err := s.SetMeta("k", []byte("v")); err != ErrClosed {
		t.Errorf("SetMeta() on closed store error = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
