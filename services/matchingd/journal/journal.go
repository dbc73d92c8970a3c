package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ratematch/core/events"
	"ratematch/gateway/middleware"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultListLimit = 100
	maxListLimit     = 1_000
)

// EventRecord is one engine event persisted for auditing and replay.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	Market     string    `gorm:"size:42;index"`
	User       string    `gorm:"column:account;size:42;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// IdempotencyKey stores the first response produced for a client supplied
// idempotency key.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:256"`
	RequestID string `gorm:"size:36"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:256"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// Filter narrows event listings. Zero fields match everything.
type Filter struct {
	Type   string
	Market string
	User   string
	// After returns only events with a larger sequence number.
	After uint64
	Limit int
}

// Journal persists engine events through gorm. It implements events.Emitter;
// write failures are logged and never surface into the engine.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	clock  func() time.Time

	mu   sync.Mutex
	next uint64
}

// Open connects to the configured SQL backend.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case DriverPostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
}

// New migrates the schema and resumes the sequence after the latest stored
// event.
func New(db *gorm.DB, log *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&EventRecord{}, &IdempotencyKey{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	var last EventRecord
	next := uint64(1)
	err := db.Order("sequence desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("journal: load sequence: %w", err)
	}
	if last.Sequence > 0 {
		next = last.Sequence + 1
	}
	return &Journal{db: db, logger: log, clock: time.Now, next: next}, nil
}

// Emit implements events.Emitter.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(evt); err != nil {
		j.logger.Warn("journal: append event failed", "type", evt.EventType(), "error", err)
	}
}

// Append stores evt and returns the persisted record.
func (j *Journal) Append(evt events.Event) (*EventRecord, error) {
	rendered := events.Render(evt)
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	record := &EventRecord{
		ID:         uuid.New(),
		Sequence:   j.next,
		Type:       rendered.Type,
		Market:     rendered.Attributes["market"],
		User:       rendered.Attributes["user"],
		Attributes: string(attrs),
		CreatedAt:  j.clock().UTC(),
	}
	if record.Market == "" {
		record.Market = rendered.Attributes["borrowedMarket"]
	}
	if record.User == "" {
		record.User = rendered.Attributes["borrower"]
	}
	if err := j.db.Create(record).Error; err != nil {
		return nil, err
	}
	j.next++
	return record, nil
}

// List returns events matching filter in sequence order.
func (j *Journal) List(ctx context.Context, filter Filter) ([]EventRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := j.db.WithContext(ctx).Model(&EventRecord{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Market != "" {
		query = query.Where("market = ?", filter.Market)
	}
	if filter.User != "" {
		query = query.Where("account = ?", filter.User)
	}
	if filter.After > 0 {
		query = query.Where("sequence > ?", filter.After)
	}
	var records []EventRecord
	if err := query.Order("sequence asc").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// DecodeAttributes returns the attribute map of a stored record.
func (r EventRecord) DecodeAttributes() (map[string]string, error) {
	out := make(map[string]string)
	if r.Attributes == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup implements middleware.IdempotencyStore.
func (j *Journal) Lookup(ctx context.Context, key string) (middleware.IdempotentResponse, bool, error) {
	var record IdempotencyKey
	err := j.db.WithContext(ctx).First(&record, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return middleware.IdempotentResponse{}, false, nil
	}
	if err != nil {
		return middleware.IdempotentResponse{}, false, err
	}
	return middleware.IdempotentResponse{
		Key:    record.Key,
		Method: record.Method,
		Path:   record.Path,
		Status: record.Status,
		Body:   record.Response,
	}, true, nil
}

// Save implements middleware.IdempotencyStore.
func (j *Journal) Save(ctx context.Context, resp middleware.IdempotentResponse) error {
	record := IdempotencyKey{
		Key:       resp.Key,
		RequestID: uuid.NewString(),
		Method:    resp.Method,
		Path:      resp.Path,
		Status:    resp.Status,
		Response:  resp.Body,
		CreatedAt: j.clock().UTC(),
	}
	return j.db.WithContext(ctx).Create(&record).Error
}

var (
	_ events.Emitter              = (*Journal)(nil)
	_ middleware.IdempotencyStore = (*Journal)(nil)
)
