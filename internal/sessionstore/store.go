// Package sessionstore persists spawner sessions in the SQLite database.
// Connection info may carry ssh coordinates and is stored Fernet-encrypted;
// event groups are stored as JSON.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gluk-w/claworc/forwarder/internal/crypto"
	"github.com/gluk-w/claworc/forwarder/internal/database"
	"github.com/gluk-w/claworc/forwarder/internal/events"
	"github.com/gluk-w/claworc/forwarder/internal/spawner"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements spawner.Store on gorm.
type Store struct {
	db      *gorm.DB
	encrypt func(string) (string, error)
	decrypt func(string) (string, error)
}

var _ spawner.Store = (*Store)(nil)

// New returns a Store on db using the process Fernet key.
func New(db *gorm.DB) *Store {
	return &Store{db: db, encrypt: crypto.Encrypt, decrypt: crypto.Decrypt}
}

func (s *Store) Load(ctx context.Context, id spawner.Identity) (spawner.State, bool, error) {
	var rec database.SessionRecord
	err := s.db.WithContext(ctx).Where("owner = ? AND name = ?", id.Owner, id.Name).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return spawner.State{}, false, nil
	}
	if err != nil {
		return spawner.State{}, false, fmt.Errorf("load session %s: %w", id, err)
	}
	st, err := s.decode(rec)
	if err != nil {
		return spawner.State{}, false, fmt.Errorf("decode session %s: %w", id, err)
	}
	return st, true, nil
}

func (s *Store) Save(ctx context.Context, id spawner.Identity, st spawner.State) error {
	rec, err := s.encode(id, st)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"port", "url", "active", "connection_info", "events",
			"user_id", "user_options", "published_name", "updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save session %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListActive(ctx context.Context) ([]spawner.Identity, error) {
	var recs []database.SessionRecord
	err := s.db.WithContext(ctx).
		Select("owner", "name").
		Where("active = ?", true).
		Order("owner, name").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	ids := make([]spawner.Identity, len(recs))
	for i, r := range recs {
		ids[i] = spawner.Identity{Owner: r.Owner, Name: r.Name}
	}
	return ids, nil
}

func (s *Store) encode(id spawner.Identity, st spawner.State) (database.SessionRecord, error) {
	rec := database.SessionRecord{
		Owner:  id.Owner,
		Name:   id.Name,
		Port:   st.Port,
		URL:    st.URL,
		Active: st.Active,
		Events: "{}",

		UserID:        st.UserID,
		PublishedName: st.PublishedName,
	}
	if len(st.UserOptions) > 0 {
		raw, err := json.Marshal(st.UserOptions)
		if err != nil {
			return rec, fmt.Errorf("marshal user options: %w", err)
		}
		rec.UserOptions = string(raw)
	}
	if len(st.ConnectionInfo) > 0 {
		raw, err := json.Marshal(st.ConnectionInfo)
		if err != nil {
			return rec, fmt.Errorf("marshal connection info: %w", err)
		}
		if rec.ConnectionInfo, err = s.encrypt(string(raw)); err != nil {
			return rec, err
		}
	}
	if len(st.Events) > 0 {
		raw, err := json.Marshal(st.Events)
		if err != nil {
			return rec, fmt.Errorf("marshal events: %w", err)
		}
		rec.Events = string(raw)
	}
	return rec, nil
}

func (s *Store) decode(rec database.SessionRecord) (spawner.State, error) {
	st := spawner.State{
		Port:   rec.Port,
		URL:    rec.URL,
		Active: rec.Active,

		UserID:        rec.UserID,
		PublishedName: rec.PublishedName,
	}
	if rec.UserOptions != "" {
		if err := json.Unmarshal([]byte(rec.UserOptions), &st.UserOptions); err != nil {
			return st, fmt.Errorf("unmarshal user options: %w", err)
		}
	}
	if rec.ConnectionInfo != "" {
		plain, err := s.decrypt(rec.ConnectionInfo)
		if err != nil {
			return st, err
		}
		if err := json.Unmarshal([]byte(plain), &st.ConnectionInfo); err != nil {
			return st, fmt.Errorf("unmarshal connection info: %w", err)
		}
	}
	if rec.Events != "" {
		groups := map[string][]events.Event{}
		if err := json.Unmarshal([]byte(rec.Events), &groups); err != nil {
			return st, fmt.Errorf("unmarshal events: %w", err)
		}
		if len(groups) > 0 {
			st.Events = groups
		}
	}
	return st, nil
}
