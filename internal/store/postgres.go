package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/songless-rooms/internal/engine"
)

const pgUniqueViolation = "23505"

type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore keeps rooms in Postgres. Each mutation locks the room row
// and writes it back with a state_version predicate, so a stale writer
// updates zero rows instead of clobbering a newer state.
type PostgresStore struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts PostgresOptions, log *zap.Logger) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &PostgresStore{db: db, log: log, now: time.Now}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) CreateRoom(ctx context.Context, host engine.Player, settings engine.Settings) (*engine.Room, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}
		r := engine.NewRoom(code, host, settings, s.now())

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rec := toRoomRecord(r)
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
			p := toPlayerRecord(code, r.Players[0])
			return tx.Create(&p).Error
		})
		if isUniqueViolation(err) {
			s.log.Debug("room code collision", zap.String("room_code", code), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		return r, nil
	}
	return nil, ErrCodeExhausted
}

func (s *PostgresStore) GetRoom(ctx context.Context, code string) (*engine.Room, error) {
	return s.load(s.db.WithContext(ctx), code, false)
}

func (s *PostgresStore) AddPlayer(ctx context.Context, code string, p engine.Player) (*engine.Room, error) {
	now := s.now()
	return s.Update(ctx, code, func(r *engine.Room) error {
		engine.UpsertPlayer(r, p, now)
		return nil
	})
}

func (s *PostgresStore) RemovePlayer(ctx context.Context, code, playerID string) (*engine.Room, error) {
	var out *engine.Room
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.load(tx, code, true)
		if err != nil {
			return err
		}
		working := before.Clone()
		empty, err := engine.RemovePlayer(working, playerID)
		if err != nil {
			return err
		}
		if empty {
			return tx.Where("code = ?", code).Delete(&roomRecord{}).Error
		}
		working.Version = before.Version + 1
		if err := s.save(tx, before, working); err != nil {
			return err
		}
		out, err = s.load(tx, code, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, code string, fn MutateFunc) (*engine.Room, error) {
	var out *engine.Room
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := s.load(tx, code, true)
		if err != nil {
			return err
		}
		working := before.Clone()
		if err := fn(working); err != nil {
			if errors.Is(err, engine.ErrNoChange) {
				out = before
				return nil
			}
			return engine.AttachRoom(err, before)
		}
		working.Version = before.Version + 1
		if err := s.save(tx, before, working); err != nil {
			return err
		}
		out, err = s.load(tx, code, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) AppendChat(ctx context.Context, code, senderID, message string, expectedVersion *int) (engine.ChatMessage, *engine.Room, error) {
	var (
		msg engine.ChatMessage
		out *engine.Room
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := s.load(tx, code, true)
		if err != nil {
			return err
		}
		sender := room.Player(senderID)
		if sender == nil {
			return engine.ErrNotMember
		}
		if expectedVersion != nil && *expectedVersion != room.Version {
			return engine.AttachRoom(chatConflict(), room)
		}

		rec := chatRecord{
			RoomCode:        code,
			SenderID:        sender.ID,
			SenderName:      sender.Name,
			SenderAvatarKey: nullable(sender.AvatarKey),
			Message:         message,
			CreatedAt:       s.now(),
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		if err := s.bumpVersion(tx, room); err != nil {
			return err
		}
		msg = fromChatRecords([]chatRecord{rec})[0]
		out, err = s.load(tx, code, false)
		return err
	})
	if err != nil {
		return engine.ChatMessage{}, nil, err
	}
	return msg, out, nil
}

func (s *PostgresStore) ListChat(ctx context.Context, code string, limit int) ([]engine.ChatMessage, error) {
	var recs []chatRecord
	if err := s.db.WithContext(ctx).
		Where("room_code = ?", code).
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list chat: %w", err)
	}
	slices.Reverse(recs)
	return fromChatRecords(recs), nil
}

func (s *PostgresStore) load(tx *gorm.DB, code string, lock bool) (*engine.Room, error) {
	q := tx.Where("code = ?", code)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rr roomRecord
	if err := q.Take(&rr).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.ErrRoomNotFound
		}
		return nil, fmt.Errorf("load room: %w", err)
	}

	var players []playerRecord
	if err := tx.Where("room_code = ?", code).Order("joined_at, player_id").Find(&players).Error; err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}

	var chat []chatRecord
	if err := tx.Where("room_code = ?", code).Order("id DESC").Limit(engine.DefaultChatLimit).Find(&chat).Error; err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	slices.Reverse(chat)

	return fromRecords(rr, players, chat), nil
}

// save writes working over before. The room row update is conditional on
// the version that was read.
func (s *PostgresStore) save(tx *gorm.DB, before, working *engine.Room) error {
	rec := toRoomRecord(working)
	res := tx.Model(&roomRecord{}).
		Where("code = ? AND state_version = ?", before.Code, before.Version).
		Updates(map[string]any{
			"host_id":             rec.HostID,
			"status":              rec.Status,
			"round":               rec.Round,
			"state_version":       rec.StateVersion,
			"hint_index":          rec.HintIndex,
			"settings":            rec.Settings,
			"current_track_id":    rec.CurrentTrackID,
			"current_track":       rec.CurrentTrack,
			"round_started_at_ms": rec.RoundStartedAtMs,
			"updated_at":          s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("update room: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.staleWrite(tx, before.Code)
	}

	keep := make([]string, 0, len(working.Players))
	for _, p := range working.Players {
		keep = append(keep, p.ID)
		pr := toPlayerRecord(working.Code, p)
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_code"}, {Name: "player_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "avatar_key", "score", "solved", "round_progress", "solved_at_ms"}),
		}).Create(&pr).Error; err != nil {
			return fmt.Errorf("upsert player: %w", err)
		}
	}
	del := tx.Where("room_code = ?", working.Code)
	if len(keep) > 0 {
		del = del.Where("player_id NOT IN ?", keep)
	}
	if err := del.Delete(&playerRecord{}).Error; err != nil {
		return fmt.Errorf("prune players: %w", err)
	}
	return nil
}

func (s *PostgresStore) bumpVersion(tx *gorm.DB, room *engine.Room) error {
	res := tx.Model(&roomRecord{}).
		Where("code = ? AND state_version = ?", room.Code, room.Version).
		Updates(map[string]any{
			"state_version": gorm.Expr("state_version + 1"),
			"updated_at":    s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("bump version: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.staleWrite(tx, room.Code)
	}
	return nil
}

func (s *PostgresStore) staleWrite(tx *gorm.DB, code string) error {
	current, err := s.load(tx, code, false)
	if err != nil {
		return err
	}
	return engine.AttachRoom(&engine.ConflictError{
		Code:    engine.CodeVersionConflict,
		Message: "Room state changed. Sync and try again.",
	}, current)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
