// Package eventlog persists committed auction events in a SQL database so they
// can be queried after the in-memory ring buffer has rotated.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"auctionchain/core/events"
	"auctionchain/core/types"
	"auctionchain/observability"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Record is one persisted event.
type Record struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	Type       string    `gorm:"size:64;index;not null"`
	AuctionID  string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"index"`
}

func (Record) TableName() string { return "auction_events" }

type eventWithPayload interface {
	Event() *types.Event
}

// Log writes events through gorm. It implements events.Emitter.
type Log struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured driver and migrates the schema.
func Open(driver, dsn string, log *slog.Logger) (*Log, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("eventlog: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", driver, err)
	}
	return New(db, log)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log *slog.Logger) (*Log, error) {
	if db == nil {
		return nil, fmt.Errorf("eventlog: database required")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Log{db: db, logger: log.With("component", "eventlog")}, nil
}

// Emit persists evt. Failures are logged and counted; they never reach the
// operation that produced the event, which has already committed.
func (l *Log) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	if err := l.Append(context.Background(), payload.Event()); err != nil {
		observability.Events().RecordDropped()
		l.logger.Error("persist event", "type", evt.EventType(), "error", err)
	}
}

// Append stores one event.
func (l *Log) Append(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	record := Record{
		Type:       evt.Type,
		AuctionID:  evt.Attributes["id"],
		Attributes: string(attrs),
	}
	return l.db.WithContext(ctx).Create(&record).Error
}

// Recent returns the newest limit events, oldest first. A non-empty auctionID
// restricts the result to that auction.
func (l *Log) Recent(ctx context.Context, auctionID string, limit int) ([]*types.Event, error) {
	query := l.db.WithContext(ctx).Model(&Record{}).Order("id DESC")
	if auctionID != "" {
		query = query.Where("auction_id = ?", auctionID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []Record
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	out := make([]*types.Event, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		attrs := make(map[string]string)
		if err := json.Unmarshal([]byte(records[i].Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("eventlog: record %d: %w", records[i].ID, err)
		}
		out = append(out, &types.Event{Type: records[i].Type, Attributes: attrs})
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
