// Package audit implements the tamper-evident audit ledger.
//
// Every vault operation appends one entry. Entries form a hash chain: each
// entry's hash covers its own identifying fields plus the previous entry's
// hash, so deleting, reordering or editing any historical entry breaks
// verification of everything after it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrishan/clawbox/pkg/storage"
)

// Action identifies the vault operation an entry records.
type Action string

const (
	ActionInit   Action = "init"
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionExport Action = "export"
	ActionUnlock Action = "unlock"
	ActionLock   Action = "lock"
)

// Actor identifies who performed an operation.
type Actor struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

// HumanActor is a person operating from a named device.
func HumanActor(device string) Actor { return Actor{Type: "human", Identifier: device} }

// AIActor is an AI agent acting on a user's behalf.
func AIActor(agent string) Actor { return Actor{Type: "ai", Identifier: agent} }

// AppActor is a local application.
func AppActor(name string) Actor { return Actor{Type: "app", Identifier: name} }

func (a Actor) String() string { return a.Type + ":" + a.Identifier }

// Source records where a request entered the system.
type Source struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

// Entry is one audit record.
type Entry struct {
	ID           string
	Timestamp    time.Time
	Actor        Actor
	Action       Action
	KeyPath      string
	Success      bool
	ErrorMessage string
	Source       Source
	Hash         string
	PrevHash     string
}

// Filter selects audit entries. Zero values mean "no filter".
type Filter struct {
	KeyPath   string // substring match
	Since     time.Time
	Until     time.Time
	ActorType string
	Action    Action
	Limit     int
}

// Ledger appends to and reads the hash-chained audit log.
type Ledger struct {
	mu    sync.Mutex
	store *storage.Store
}

// NewLedger returns a ledger backed by store.
func NewLedger(store *storage.Store) *Ledger {
	return &Ledger{store: store}
}

// computeHash derives an entry's chain hash from its identifying fields and
// the previous entry's hash. The layout is fixed; changing it invalidates
// every existing chain.
func computeHash(id string, timestamp int64, actorType string, action Action, keyPath string, success bool, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(actorType))
	h.Write([]byte{'|'})
	h.Write([]byte(action))
	h.Write([]byte{'|'})
	h.Write([]byte(keyPath))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatBool(success)))
	if prevHash != "" {
		h.Write([]byte{'|'})
		h.Write([]byte(prevHash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Log appends one entry to the chain. The last-hash read and the insert
// happen under one lock so concurrent writers cannot fork the chain. On
// failure nothing is written; the chain is never extended partially.
func (l *Ledger) Log(actor Actor, action Action, keyPath string, success bool, errMsg string, source Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := l.store.LastAuditHash()
	if err != nil {
		return fmt.Errorf("audit: failed to read chain head: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	hash := computeHash(id, now.Unix(), actor.Type, action, keyPath, success, prevHash)

	actorJSON, err := json.Marshal(actor)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal actor: %w", err)
	}
	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal source: %w", err)
	}

	row := &storage.AuditRow{
		ID:           id,
		Timestamp:    now.Unix(),
		Actor:        string(actorJSON),
		Action:       string(action),
		KeyPath:      keyPath,
		Success:      success,
		ErrorMessage: errMsg,
		Source:       string(sourceJSON),
		Hash:         hash,
		PrevHash:     prevHash,
	}
	if err := l.store.InsertAudit(row); err != nil {
		return fmt.Errorf("audit: failed to append entry: %w", err)
	}
	return nil
}

// Query returns entries matching f, most recent first.
func (l *Ledger) Query(f Filter) ([]Entry, error) {
	rows, err := l.store.QueryAudit(storage.AuditQuery{
		KeyPath:   f.KeyPath,
		Since:     f.Since,
		Until:     f.Until,
		ActorType: f.ActorType,
		Action:    string(f.Action),
		Limit:     f.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: query failed: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := entryFromRow(&row)
		if err != nil {
			return nil, err
		}
		// The SQL actor filter is a substring match on the JSON document;
		// re-check the decoded type to rule out accidental matches.
		if f.ActorType != "" && entry.Actor.Type != f.ActorType {
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// VerifyIntegrity replays the whole chain oldest-first, recomputing each
// entry's hash from its stored fields and the previous entry's stored hash.
// It returns false on the first broken link.
func (l *Ledger) VerifyIntegrity() (bool, error) {
	rows, err := l.store.AuditRowsAsc()
	if err != nil {
		return false, fmt.Errorf("audit: failed to load chain: %w", err)
	}

	prevHash := ""
	for _, row := range rows {
		if row.PrevHash != prevHash {
			return false, nil
		}
		var actor Actor
		if err := json.Unmarshal([]byte(row.Actor), &actor); err != nil {
			return false, nil
		}
		want := computeHash(row.ID, row.Timestamp, actor.Type, Action(row.Action), row.KeyPath, row.Success, prevHash)
		if row.Hash != want {
			return false, nil
		}
		prevHash = row.Hash
	}
	return true, nil
}

func entryFromRow(row *storage.AuditRow) (*Entry, error) {
	var actor Actor
	if err := json.Unmarshal([]byte(row.Actor), &actor); err != nil {
		return nil, fmt.Errorf("audit: malformed actor in entry %s: %w", row.ID, err)
	}
	var source Source
	if err := json.Unmarshal([]byte(row.Source), &source); err != nil {
		return nil, fmt.Errorf("audit: malformed source in entry %s: %w", row.ID, err)
	}
	return &Entry{
		ID:           row.ID,
		Timestamp:    time.Unix(row.Timestamp, 0).UTC(),
		Actor:        actor,
		Action:       Action(row.Action),
		KeyPath:      row.KeyPath,
		Success:      row.Success,
		ErrorMessage: row.ErrorMessage,
		Source:       source,
		Hash:         row.Hash,
		PrevHash:     row.PrevHash,
	}, nil
}
