package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"execcore/internal/store"
	"execcore/internal/types"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

// Options selects the backend. Driver is "sqlite" (pure-Go modernc driver)
// or "postgres".
type Options struct {
	Driver string
	DSN    string
	Path   string
}

// GormStore implements store.Store on top of gorm.
type GormStore struct {
	db     *gorm.DB
	driver string
}

var _ store.Store = (*GormStore)(nil)

// Open connects, migrates, and tunes the pool for the selected driver.
func Open(opts Options) (*GormStore, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dsn := strings.TrimSpace(opts.DSN)
		if dsn == "" {
			path := strings.TrimSpace(opts.Path)
			if path == "" {
				return nil, fmt.Errorf("gorm store: sqlite path cannot be empty")
			}
			if err := ensureDir(path); err != nil {
				return nil, err
			}
			dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
		}
		dialector = sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn})
	case "postgres":
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, fmt.Errorf("gorm store: postgres dsn cannot be empty")
		}
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("gorm store: unsupported driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&positionModel{},
		&intentModel{},
		&tradeModel{},
		&systemEventModel{},
		&systemStateModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// SQLite + WAL: a little read parallelism for HTTP while keeping
		// writer contention low.
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return &GormStore{db: db, driver: driver}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --------------------- Positions -------------------------

func (s *GormStore) LoadOpenPositions(ctx context.Context) ([]types.Position, error) {
	var models []positionModel
	if err := s.db.WithContext(ctx).Order("symbol").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(models))
	for _, m := range models {
		out = append(out, m.toPosition())
	}
	return out, nil
}

func (s *GormStore) SavePosition(ctx context.Context, pos types.Position) error {
	if strings.TrimSpace(pos.Symbol) == "" {
		return fmt.Errorf("position symbol is required")
	}
	m := newPositionModel(pos)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}},
			UpdateAll: true,
		}).
		Create(&m).Error
}

func (s *GormStore) DeletePosition(ctx context.Context, symbol string) error {
	return s.db.WithContext(ctx).Where("symbol = ?", symbol).Delete(&positionModel{}).Error
}

// --------------------- Intents -------------------------

func (s *GormStore) SaveIntent(ctx context.Context, intent types.Intent) error {
	if strings.TrimSpace(intent.SignalID) == "" {
		return fmt.Errorf("intent signal_id is required")
	}
	m := newIntentModel(intent)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "signal_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "rejection_reason", "size", "updated_at"}),
		}).
		Create(&m).Error
}

func (s *GormStore) LoadIntents(ctx context.Context, since time.Time) ([]types.Intent, error) {
	var models []intentModel
	q := s.db.WithContext(ctx).Order("received_at")
	if !since.IsZero() {
		q = q.Where("received_at >= ?", since.UnixMilli())
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Intent, 0, len(models))
	for _, m := range models {
		out = append(out, m.toIntent())
	}
	return out, nil
}

func (s *GormStore) GetIntent(ctx context.Context, signalID string) (types.Intent, bool, error) {
	var m intentModel
	err := s.db.WithContext(ctx).Where("signal_id = ?", signalID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Intent{}, false, nil
	}
	if err != nil {
		return types.Intent{}, false, err
	}
	return m.toIntent(), true, nil
}

// PurgeIntents deletes terminal intents received before the cutoff.
func (s *GormStore) PurgeIntents(ctx context.Context, before time.Time) (int64, error) {
	terminal := []string{string(types.IntentConfirmed), string(types.IntentRejected), string(types.IntentExpired)}
	res := s.db.WithContext(ctx).
		Where("received_at < ? AND status IN ?", before.UnixMilli(), terminal).
		Delete(&intentModel{})
	return res.RowsAffected, res.Error
}

// --------------------- Trades -------------------------

func (s *GormStore) InsertTrade(ctx context.Context, rec types.TradeRecord) error {
	m := newTradeModel(rec)
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) ListTrades(ctx context.Context, symbol string, limit int) ([]types.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []tradeModel
	q := s.db.WithContext(ctx).Order("closed_at DESC").Order("id DESC").Limit(limit)
	if sym := strings.TrimSpace(symbol); sym != "" {
		q = q.Where("symbol = ?", sym)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.TradeRecord, 0, len(models))
	for _, m := range models {
		out = append(out, m.toTrade())
	}
	return out, nil
}

// --------------------- System -------------------------

func (s *GormStore) InsertSystemEvent(ctx context.Context, evt types.SystemEvent) error {
	if strings.TrimSpace(evt.ID) == "" {
		return fmt.Errorf("system event id is required")
	}
	var details datatypes.JSON
	if len(evt.Details) > 0 {
		raw, err := json.Marshal(evt.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = datatypes.JSON(raw)
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	m := systemEventModel{
		ID:          evt.ID,
		EventType:   string(evt.Type),
		DetailsJSON: details,
		CreatedUnix: ts.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) ListSystemEvents(ctx context.Context, eventType string, limit int) ([]types.SystemEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []systemEventModel
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if et := strings.TrimSpace(eventType); et != "" {
		q = q.Where("event_type = ?", et)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.SystemEvent, 0, len(models))
	for _, m := range models {
		out = append(out, m.toEvent())
	}
	return out, nil
}

func (s *GormStore) LoadSystemState(ctx context.Context) (types.SystemState, bool, error) {
	var m systemStateModel
	err := s.db.WithContext(ctx).Where("id = ?", systemStateRowID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.SystemState{}, false, nil
	}
	if err != nil {
		return types.SystemState{}, false, err
	}
	return m.toState(), true, nil
}

func (s *GormStore) SavePhaseState(ctx context.Context, equity float64, phase int) error {
	m := systemStateModel{
		ID:               systemStateRowID,
		Equity:           equity,
		Phase:            phase,
		MasterArmEnabled: true,
		UpdatedAtUnix:    time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"equity", "phase", "updated_at"}),
		}).
		Create(&m).Error
}

func (s *GormStore) SaveRiskState(ctx context.Context, st types.SystemState) error {
	m := systemStateModel{
		ID:                    systemStateRowID,
		MasterArmEnabled:      st.MasterArmEnabled,
		CircuitBreakerTripped: st.CircuitBreakerTripped,
		HighWatermark:         st.HighWatermark,
		CooldownUntilUnix:     unixOrZero(st.CooldownUntil),
		UpdatedAtUnix:         time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"master_arm_enabled", "circuit_breaker_tripped", "high_watermark", "cooldown_until", "updated_at",
			}),
		}).
		Create(&m).Error
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
