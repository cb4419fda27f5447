package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
	log        *zap.Logger
	now        func() time.Time
}

// NewStore 创建SQL数据库存储并执行自动迁移
func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	driverName := cfg.Type
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	dsn := cfg.DSN
	if driverName == "mysql" {
		var err error
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}

	// 打开数据库连接
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if driverName == "mysql" {
		dialector = mysql.New(mysql.Config{Conn: db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: db})
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}

	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("connected to SQL database",
		zap.String("driver", driverName),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return store, nil
}

// Migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) Migrate(ctx context.Context) error {
	return s.gormDB.WithContext(ctx).AutoMigrate(
		&userRecord{},
		&capsuleRecord{},
		&recipientRecord{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return storage.Unavailable("ping", err)
	}
	return nil
}

// mysqlDSN 开启 clientFoundRows 与 parseTime。
// 条件更新依赖 RowsAffected 判断是否命中，MySQL 默认只统计实际变更的行。
func mysqlDSN(dsn string) (string, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = true
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	return cfg.FormatDSN(), nil
}

// translateError 把驱动错误归类为存储层错误
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if key, ok := duplicateKey(err); ok {
		if strings.Contains(key, "email") {
			return storage.ErrEmailTaken
		}
		return storage.ErrUsernameTaken
	}
	return storage.Unavailable(op, err)
}

// duplicateKey 判断是否为唯一约束冲突，返回冲突的约束名
func duplicateKey(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint, true
	}

	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		// Duplicate entry 'x' for key 'users.idx_users_email'
		msg := myErr.Message
		if i := strings.LastIndex(msg, "for key "); i >= 0 {
			return strings.Trim(msg[i+len("for key "):], "'"), true
		}
		return msg, true
	}
	return "", false
}

var _ storage.Store = (*Store)(nil)
