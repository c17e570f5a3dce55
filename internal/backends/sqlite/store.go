// Package sqlite is the default entry store: one gorm-managed table in a local SQLite file.
package sqlite

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"activeconfig/internal/backends/codec"
	"activeconfig/internal/ports"
	"activeconfig/internal/types"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// entryRow is the persisted form of types.ConfigEntry.
type entryRow struct {
	ID         string `gorm:"primaryKey"`
	Key        string `gorm:"not null;index"`
	Type       int    `gorm:"not null"`
	Value      string
	Blob       []byte
	ExpireTime *time.Time
	Hash       string `gorm:"column:md5"`
	Status     int `gorm:"not null;default:0"`
}

func (entryRow) TableName() string {
	return "config_entries"
}

// Store implements ports.EntryStore. Every call holds mu, so read-modify-write sequences from
// the resolver and the synchronizer never interleave.
type Store struct {
	mu   sync.Mutex
	path string
	db   *gorm.DB
}

var _ ports.EntryStore = (*Store)(nil)

// Open opens (or creates) the database at path. If the existing file or table cannot be read
// the database is dropped and recreated empty.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	err := s.open()
	if err == nil {
		var probe []entryRow
		err = s.db.Limit(1).Find(&probe).Error
	}
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("entry store unreadable, recreating")
		if err := s.recreate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) open() error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return types.Err(types.ErrEntryStoreAccess, err, "open %s", s.path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return types.Err(types.ErrEntryStoreAccess, err, "")
	}
	// One connection: an in-memory database is private to its connection, and all access
	// is serialized by mu anyway.
	sqlDB.SetMaxOpenConns(1)
	s.db = db
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return types.Err(types.ErrEntryStoreAccess, err, "migrate %s", s.path)
	}
	return nil
}

// recreate drops the table; if even that fails the file itself is removed and reopened.
func (s *Store) recreate() error {
	if s.db != nil {
		if err := s.db.Migrator().DropTable(&entryRow{}); err == nil {
			if err := s.db.AutoMigrate(&entryRow{}); err == nil {
				return nil
			}
		}
		if s.path == MemoryPath {
			return types.Err(types.ErrEntryStoreAccess, nil, "cannot recreate in-memory store")
		}
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		s.db = nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return types.Err(types.ErrEntryStoreAccess, err, "remove %s", s.path)
	}
	return s.open()
}

func (s *Store) Get(ctx context.Context, id string) (*types.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return get(s.db.WithContext(ctx), id)
}

func (s *Store) Upsert(ctx context.Context, entry types.ConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsert(s.db.WithContext(ctx), entry)
}

func (s *Store) Mutate(ctx context.Context, id string, fn ports.MutateFunc) (*types.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *types.ConfigEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := get(tx, id)
		if err != nil {
			return err
		}
		next, write := fn(cur)
		if !write {
			out = cur
			return nil
		}
		next.ID = id
		if err := upsert(tx, next); err != nil {
			return err
		}
		stored := next.Clone()
		out = &stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) All(ctx context.Context) ([]types.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []entryRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, types.Err(types.ErrEntryStoreAccess, err, "")
	}
	out := make([]types.ConfigEntry, 0, len(rows))
	for _, r := range rows {
		e, err := fromRow(r)
		if err != nil {
			log.WithError(err).WithField("id", r.ID).Warn("skipping unreadable entry")
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recreate()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func get(db *gorm.DB, id string) (*types.ConfigEntry, error) {
	var rows []entryRow
	if err := db.Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, types.Err(types.ErrEntryStoreAccess, err, "get %s", id)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	e, err := fromRow(rows[0])
	if err != nil {
		// An unreadable row is treated as a cache miss.
		log.WithError(err).WithField("id", id).Warn("unreadable entry treated as absent")
		return nil, nil
	}
	return &e, nil
}

func upsert(db *gorm.DB, e types.ConfigEntry) error {
	row := toRow(e)
	// Save writes every column, including nil blob and expiry.
	if err := db.Save(&row).Error; err != nil {
		return types.Err(types.ErrEntryStoreAccess, err, "upsert %s", e.ID)
	}
	return nil
}

func toRow(e types.ConfigEntry) entryRow {
	return entryRow{
		ID:         e.ID,
		Key:        e.Key,
		Type:       int(e.Type),
		Value:      e.Value,
		Blob:       codec.EncodeBlob(e.Blob),
		ExpireTime: e.ExpireTime,
		Hash:       e.Hash,
		Status:     int(e.Status),
	}
}

func fromRow(r entryRow) (types.ConfigEntry, error) {
	blob, err := codec.DecodeBlob(r.Blob)
	if err != nil {
		return types.ConfigEntry{}, err
	}
	e := types.ConfigEntry{
		ID:         r.ID,
		Key:        r.Key,
		Type:       types.ConfigType(r.Type),
		Value:      r.Value,
		Blob:       blob,
		ExpireTime: r.ExpireTime,
		Hash:       r.Hash,
		Status:     types.ItemStatus(r.Status),
	}
	return e.Clone(), nil
}
