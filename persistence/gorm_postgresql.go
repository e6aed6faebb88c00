// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wfunc/knighttour/models"
)

// GormStore 使用GORM的关系型存储实现（PostgreSQL / MySQL）
type GormStore struct {
	db      *gorm.DB
	dialect string
}

// PostgresDSN builds a libpq keyword/value connection string. The same string
// is accepted by the gorm driver and by lib/pq's listener.
func PostgresDSN(host string, port int, user, password, dbname string) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)
}

// MySQLDSN builds a go-sql-driver DSN.
func MySQLDSN(host string, port int, user, password, dbname string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)
}

// NewGormPostgreSQL 创建GORM PostgreSQL数据库连接
func NewGormPostgreSQL(dsn string) (*GormStore, error) {
	return openGorm(postgres.Open(dsn), "postgres")
}

// NewGormMySQL 创建GORM MySQL数据库连接
func NewGormMySQL(dsn string) (*GormStore, error) {
	return openGorm(mysql.Open(dsn), "mysql")
}

func openGorm(dialector gorm.Dialector, dialect string) (*GormStore, error) {
	// 配置GORM日志
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Silent,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		// map driver-specific unique violations to gorm.ErrDuplicatedKey
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	store := &GormStore{db: db, dialect: dialect}
	if err := store.autoMigrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// autoMigrate 自动迁移表结构
func (s *GormStore) autoMigrate() error {
	if err := s.db.AutoMigrate(
		&models.GormRoom{},
		&models.GormPlayer{},
		&models.GormGameState{},
	); err != nil {
		return err
	}
	if s.dialect == "postgres" {
		return s.installNotifyTriggers()
	}
	return nil
}

// installNotifyTriggers makes every row change on the three tables emit a
// NOTIFY on NotifyChannel with {"room_id","kind","op"}.
func (s *GormStore) installNotifyTriggers() error {
	fn := `
        CREATE OR REPLACE FUNCTION notify_room_change() RETURNS trigger AS $$
        DECLARE
            rec record;
            rid text;
        BEGIN
            IF TG_OP = 'DELETE' THEN rec := OLD; ELSE rec := NEW; END IF;
            IF TG_TABLE_NAME = 'rooms' THEN rid := rec.id; ELSE rid := rec.room_id; END IF;
            PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
                'room_id', rid, 'kind', TG_ARGV[0], 'op', lower(TG_OP))::text);
            RETURN NULL;
        END;
        $$ LANGUAGE plpgsql`
	if err := s.db.Exec(fn).Error; err != nil {
		return fmt.Errorf("install notify function: %w", err)
	}

	triggers := map[string]string{
		"rooms":       "room",
		"players":     "roster",
		"game_states": "game",
	}
	for table, kind := range triggers {
		stmts := []string{
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_notify ON %s`, table, table),
			fmt.Sprintf(`CREATE TRIGGER %s_notify AFTER INSERT OR UPDATE OR DELETE ON %s
                FOR EACH ROW EXECUTE FUNCTION notify_room_change('%s')`, table, table, kind),
		}
		for _, stmt := range stmts {
			if err := s.db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("install notify trigger on %s: %w", table, err)
			}
		}
	}
	return nil
}

// translate maps gorm errors onto the persistence sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, gorm.ErrForeignKeyViolated):
		return ErrRecordNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicateEntry
	}
	return err
}

func (s *GormStore) CreateRoom(ctx context.Context, room *models.Room) error {
	row := models.NewGormRoom(room)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return translate(err)
	}
	room.CreatedAt, room.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return nil
}

func (s *GormStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var row models.GormRoom
	if err := s.db.WithContext(ctx).Where("id = ?", roomID).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.ToRoom(), nil
}

func (s *GormStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	var rows []models.GormRoom
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, translate(err)
	}
	rooms := make([]models.Room, 0, len(rows))
	for i := range rows {
		rooms = append(rooms, *rows[i].ToRoom())
	}
	return rooms, nil
}

func (s *GormStore) UpdateRoomIf(ctx context.Context, roomID string, expectActive *string, status models.RoomStatus, active *string) error {
	q := s.db.WithContext(ctx).Model(&models.GormRoom{}).Where("id = ?", roomID)
	if expectActive == nil {
		q = q.Where("active_player_id IS NULL")
	} else {
		q = q.Where("active_player_id = ?", *expectActive)
	}

	var activeValue interface{} = gorm.Expr("NULL")
	if active != nil {
		activeValue = *active
	}
	res := q.Updates(map[string]interface{}{
		"status":           string(status),
		"active_player_id": activeValue,
		"updated_at":       time.Now(),
	})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConditionFailed
	}
	return nil
}

func (s *GormStore) DeleteRoom(ctx context.Context, roomID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", roomID).Delete(&models.GormGameState{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.GormPlayer{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", roomID).Delete(&models.GormRoom{}).Error
	})
}

func (s *GormStore) InsertPlayer(ctx context.Context, player *models.Player) error {
	row := models.NewGormPlayer(player)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return translate(err)
	}
	player.CreatedAt = row.CreatedAt
	return nil
}

func (s *GormStore) FindPlayer(ctx context.Context, roomID, userID string) (*models.Player, error) {
	var row models.GormPlayer
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return row.ToPlayer(), nil
}

func (s *GormStore) ListPlayers(ctx context.Context, roomID string) ([]models.Player, error) {
	var rows []models.GormPlayer
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	players := make([]models.Player, 0, len(rows))
	for i := range rows {
		players = append(players, *rows[i].ToPlayer())
	}
	return players, nil
}

func (s *GormStore) CountPlayers(ctx context.Context, roomID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.GormPlayer{}).Where("room_id = ?", roomID).Count(&count).Error
	return count, translate(err)
}

func (s *GormStore) SetPlayerFlag(ctx context.Context, roomID, userID string, isPlayer bool) error {
	res := s.db.WithContext(ctx).Model(&models.GormPlayer{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Update("is_player", isPlayer)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL reports zero affected rows when the value is unchanged
		if _, err := s.FindPlayer(ctx, roomID, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) ClearPlayerFlags(ctx context.Context, roomID string) error {
	return translate(s.db.WithContext(ctx).Model(&models.GormPlayer{}).
		Where("room_id = ? AND is_player = ?", roomID, true).
		Update("is_player", false).Error)
}

func (s *GormStore) DeletePlayer(ctx context.Context, roomID, userID string) error {
	return translate(s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&models.GormPlayer{}).Error)
}

func (s *GormStore) InsertGameState(ctx context.Context, state *models.GameState) error {
	row := models.NewGormGameState(state)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return translate(err)
	}
	state.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *GormStore) GetGameState(ctx context.Context, roomID string) (*models.GameState, error) {
	var row models.GormGameState
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return row.ToGameState(), nil
}

func (s *GormStore) UpdateGameStateIf(ctx context.Context, state *models.GameState, expectVersion int64) error {
	row := models.NewGormGameState(state)
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.GormGameState{}).
		Where("id = ? AND version = ?", state.ID, expectVersion).
		Updates(map[string]interface{}{
			"board":           row.Board,
			"knight_position": row.KnightPosition,
			"move_history":    row.MoveHistory,
			"turn":            state.Turn,
			"finished":        state.Finished,
			"version":         expectVersion + 1,
			"updated_at":      now,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConditionFailed
	}
	state.Version = expectVersion + 1
	state.UpdatedAt = now
	return nil
}

func (s *GormStore) DeleteGameState(ctx context.Context, roomID string) error {
	return translate(s.db.WithContext(ctx).Where("room_id = ?", roomID).Delete(&models.GormGameState{}).Error)
}

// Transaction 事务支持，fn 内的所有写入要么全部生效要么全部回滚
func (s *GormStore) Transaction(ctx context.Context, fn func(tx Database) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, dialect: s.dialect})
	})
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
