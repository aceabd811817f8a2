package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/YahyaQandel/planning-poker/pkg/domain"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51413121

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB for driver and runs auto-migrations.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{Logger: gormLog, TranslateError: true}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, "":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err == nil {
			// sqlite allows a single writer; serialize through one connection.
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&RoomModel{}, &ParticipantModel{}, &StoryModel{}, &VoteModel{}, &ActivityModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if db.Dialector.Name() == DriverPostgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Atomic runs fn inside a database transaction bound to ctx.
func (s *GormStore) Atomic(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRoom inserts a new room; a taken code yields ErrConflict.
func (s *GormStore) CreateRoom(r domain.Room) error {
	model := roomToModel(r)
	return translate(s.db.Omit(clause.Associations).Create(&model).Error)
}

// GetRoom returns a room by code.
func (s *GormStore) GetRoom(code string) (domain.Room, bool, error) {
	return s.findRoom(s.db, code)
}

// LockRoom selects the room FOR UPDATE on Postgres. SQLite already runs one
// writer at a time through the single pooled connection.
func (s *GormStore) LockRoom(code string) (domain.Room, bool, error) {
	q := s.db
	if s.db.Dialector.Name() == DriverPostgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return s.findRoom(q, code)
}

func (s *GormStore) findRoom(q *gorm.DB, code string) (domain.Room, bool, error) {
	var model RoomModel
	if err := q.First(&model, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, err
	}
	return roomFromModel(model), true, nil
}

// SaveRoom updates the mutable room columns.
func (s *GormStore) SaveRoom(r domain.Room) error {
	return s.db.Model(&RoomModel{}).
		Where("code = ?", r.Code).
		Updates(map[string]any{
			"session_name":     r.SessionName,
			"current_story_id": r.CurrentStoryID,
			"updated_at":       r.UpdatedAt,
		}).Error
}

// DeleteRoom removes a room and everything it owns.
func (s *GormStore) DeleteRoom(code string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&VoteModel{}, &ParticipantModel{}, &StoryModel{}, &ActivityModel{}} {
			if err := tx.Where("room_code = ?", code).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&RoomModel{}, "code = ?", code).Error
	})
}

// SaveParticipant inserts or updates a participant by id.
func (s *GormStore) SaveParticipant(p domain.Participant) error {
	model := participantToModel(p)
	return translate(s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "session_token", "connected", "last_seen"}),
	}).Create(&model).Error)
}

// GetParticipant returns a participant of the room.
func (s *GormStore) GetParticipant(roomCode, id string) (domain.Participant, bool, error) {
	return s.findParticipant("room_code = ? AND id = ?", roomCode, id)
}

// GetParticipantByUsername looks a participant up by its unique username.
func (s *GormStore) GetParticipantByUsername(roomCode, username string) (domain.Participant, bool, error) {
	return s.findParticipant("room_code = ? AND username = ?", roomCode, username)
}

func (s *GormStore) findParticipant(query string, args ...any) (domain.Participant, bool, error) {
	var model ParticipantModel
	if err := s.db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Participant{}, false, nil
		}
		return domain.Participant{}, false, err
	}
	return participantFromModel(model), true, nil
}

// ListParticipants returns participants ordered by join time.
func (s *GormStore) ListParticipants(roomCode string) ([]domain.Participant, error) {
	var models []ParticipantModel
	if err := s.db.Where("room_code = ?", roomCode).Order("joined_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Participant, 0, len(models))
	for _, m := range models {
		res = append(res, participantFromModel(m))
	}
	return res, nil
}

// DeleteParticipants removes the given participants of the room.
func (s *GormStore) DeleteParticipants(roomCode string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.Where("room_code = ? AND id IN ?", roomCode, ids).Delete(&ParticipantModel{})
	return int(res.RowsAffected), res.Error
}

// SaveStory inserts or updates a story by id.
func (s *GormStore) SaveStory(st domain.Story) error {
	model := storyToModel(st)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"story_id", "title", "final_points", "estimated_at", "sort_order"}),
	}).Create(&model).Error
}

// GetStory returns a story of the room.
func (s *GormStore) GetStory(roomCode, id string) (domain.Story, bool, error) {
	return s.findStory("room_code = ? AND id = ?", roomCode, id)
}

// GetStoryByLabel returns the first story of the room carrying label.
func (s *GormStore) GetStoryByLabel(roomCode, label string) (domain.Story, bool, error) {
	return s.findStory("room_code = ? AND story_id = ?", roomCode, label)
}

func (s *GormStore) findStory(query string, args ...any) (domain.Story, bool, error) {
	var model StoryModel
	if err := s.db.Where(query, args...).Order("sort_order ASC").Order("created_at ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Story{}, false, nil
		}
		return domain.Story{}, false, err
	}
	return storyFromModel(model), true, nil
}

// ListStories returns stories ordered by (order, created_at).
func (s *GormStore) ListStories(roomCode string) ([]domain.Story, error) {
	var models []StoryModel
	if err := s.db.Where("room_code = ?", roomCode).
		Order("sort_order ASC").
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Story, 0, len(models))
	for _, m := range models {
		res = append(res, storyFromModel(m))
	}
	return res, nil
}

// CountStories returns the number of stories in the room.
func (s *GormStore) CountStories(roomCode string) (int, error) {
	var count int64
	if err := s.db.Model(&StoryModel{}).Where("room_code = ?", roomCode).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// UpsertVote writes the (participant, story) vote, keeping the original
// id and created_at when one exists, and returns the stored row.
func (s *GormStore) UpsertVote(v domain.Vote) (domain.Vote, error) {
	model := voteToModel(v)
	err := s.db.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "participant_id"}, {Name: "story_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "revealed", "updated_at"}),
	}).Create(&model).Error
	if err != nil {
		return domain.Vote{}, err
	}
	var stored VoteModel
	if err := s.db.Where("participant_id = ? AND story_id = ?", v.ParticipantID, v.StoryID).First(&stored).Error; err != nil {
		return domain.Vote{}, err
	}
	return voteFromModel(stored), nil
}

// ListVotes returns every vote in the room ordered by creation.
func (s *GormStore) ListVotes(roomCode string) ([]domain.Vote, error) {
	return s.listVotes("room_code = ?", roomCode)
}

// ListStoryVotes returns the votes of one story ordered by creation.
func (s *GormStore) ListStoryVotes(roomCode, storyID string) ([]domain.Vote, error) {
	return s.listVotes("room_code = ? AND story_id = ?", roomCode, storyID)
}

func (s *GormStore) listVotes(query string, args ...any) ([]domain.Vote, error) {
	var models []VoteModel
	if err := s.db.Where(query, args...).
		Order("created_at ASC").
		Order("participant_id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Vote, 0, len(models))
	for _, m := range models {
		res = append(res, voteFromModel(m))
	}
	return res, nil
}

// RevealVotes flags every vote of the story as revealed.
func (s *GormStore) RevealVotes(roomCode, storyID string) (int, error) {
	res := s.db.Model(&VoteModel{}).
		Where("room_code = ? AND story_id = ?", roomCode, storyID).
		Updates(map[string]any{"revealed": true, "updated_at": time.Now().UTC()})
	return int(res.RowsAffected), res.Error
}

// DeleteStoryVotes removes every vote of the story.
func (s *GormStore) DeleteStoryVotes(roomCode, storyID string) (int, error) {
	res := s.db.Where("room_code = ? AND story_id = ?", roomCode, storyID).Delete(&VoteModel{})
	return int(res.RowsAffected), res.Error
}

// DeleteParticipantVotes removes every vote owned by the participants.
func (s *GormStore) DeleteParticipantVotes(roomCode string, participantIDs []string) (int, error) {
	if len(participantIDs) == 0 {
		return 0, nil
	}
	res := s.db.Where("room_code = ? AND participant_id IN ?", roomCode, participantIDs).Delete(&VoteModel{})
	return int(res.RowsAffected), res.Error
}

// AppendActivity records an applied action of an existing room.
func (s *GormStore) AppendActivity(a domain.Activity) error {
	model, err := activityToModel(a)
	if err != nil {
		return err
	}
	var rooms int64
	if err := s.db.Model(&RoomModel{}).Where("code = ?", a.RoomCode).Count(&rooms).Error; err != nil {
		return err
	}
	if rooms == 0 {
		return fmt.Errorf("%w: %s", ErrNoRoom, a.RoomCode)
	}
	return translate(s.db.Create(&model).Error)
}

// ListActivity returns the most recent actions of a room, oldest first.
func (s *GormStore) ListActivity(roomCode string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		return []domain.Activity{}, nil
	}
	var models []ActivityModel
	if err := s.db.Where("room_code = ?", roomCode).
		Order("at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Activity, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		res = append(res, activityFromModel(models[i]))
	}
	return res, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %v", ErrNoRoom, err)
	}
	return err
}

func roomToModel(r domain.Room) RoomModel {
	return RoomModel{
		Code:           r.Code,
		SessionName:    r.SessionName,
		CurrentStoryID: r.CurrentStoryID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func roomFromModel(m RoomModel) domain.Room {
	return domain.Room{
		Code:           m.Code,
		SessionName:    m.SessionName,
		CurrentStoryID: m.CurrentStoryID,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
}

func participantToModel(p domain.Participant) ParticipantModel {
	return ParticipantModel{
		ID:           p.ID,
		RoomCode:     p.RoomCode,
		Username:     p.Username,
		SessionToken: p.SessionToken,
		Connected:    p.Connected,
		JoinedAt:     p.JoinedAt,
		LastSeen:     p.LastSeen,
	}
}

func participantFromModel(m ParticipantModel) domain.Participant {
	return domain.Participant{
		ID:           m.ID,
		RoomCode:     m.RoomCode,
		Username:     m.Username,
		SessionToken: m.SessionToken,
		Connected:    m.Connected,
		JoinedAt:     m.JoinedAt.UTC(),
		LastSeen:     m.LastSeen.UTC(),
	}
}

func storyToModel(s domain.Story) StoryModel {
	return StoryModel{
		ID:          s.ID,
		RoomCode:    s.RoomCode,
		Label:       s.Label,
		Title:       s.Title,
		FinalPoints: s.FinalPoints,
		EstimatedAt: s.EstimatedAt,
		Order:       s.Order,
		CreatedAt:   s.CreatedAt,
	}
}

func storyFromModel(m StoryModel) domain.Story {
	st := domain.Story{
		ID:          m.ID,
		RoomCode:    m.RoomCode,
		Label:       m.Label,
		Title:       m.Title,
		FinalPoints: m.FinalPoints,
		Order:       m.Order,
		CreatedAt:   m.CreatedAt.UTC(),
	}
	if m.EstimatedAt != nil {
		at := m.EstimatedAt.UTC()
		st.EstimatedAt = &at
	}
	return st
}

func voteToModel(v domain.Vote) VoteModel {
	return VoteModel{
		ID:            v.ID,
		RoomCode:      v.RoomCode,
		ParticipantID: v.ParticipantID,
		StoryID:       v.StoryID,
		Value:         string(v.Value),
		Revealed:      v.Revealed,
		CreatedAt:     v.CreatedAt,
		UpdatedAt:     v.UpdatedAt,
	}
}

func voteFromModel(m VoteModel) domain.Vote {
	return domain.Vote{
		ID:            m.ID,
		RoomCode:      m.RoomCode,
		ParticipantID: m.ParticipantID,
		StoryID:       m.StoryID,
		Value:         domain.VoteValue(m.Value),
		Revealed:      m.Revealed,
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
}

func activityToModel(a domain.Activity) (ActivityModel, error) {
	model := ActivityModel{
		ID:            a.ID,
		RoomCode:      a.RoomCode,
		Action:        a.Action,
		ParticipantID: a.ParticipantID,
		StoryID:       a.StoryID,
		DurationMs:    a.DurationMs,
		At:            a.At,
	}
	if len(a.Detail) > 0 {
		raw, err := json.Marshal(a.Detail)
		if err != nil {
			return ActivityModel{}, fmt.Errorf("encode activity detail: %w", err)
		}
		model.Detail = datatypes.JSON(raw)
	}
	return model, nil
}

func activityFromModel(m ActivityModel) domain.Activity {
	a := domain.Activity{
		ID:            m.ID,
		RoomCode:      m.RoomCode,
		Action:        m.Action,
		ParticipantID: m.ParticipantID,
		StoryID:       m.StoryID,
		DurationMs:    m.DurationMs,
		At:            m.At.UTC(),
	}
	if len(m.Detail) > 0 {
		_ = json.Unmarshal(m.Detail, &a.Detail)
	}
	return a
}
