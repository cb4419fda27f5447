package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"timecapsule/backend/internal/config"
	"timecapsule/backend/internal/domain"
	"timecapsule/backend/internal/storage"
)

// 唯一索引名，用于从重复键错误中识别冲突字段
const (
	indexUniqueEmail    = "uniq_email"
	indexUniqueUsername = "uniq_username_lower"
)

// Store MongoDB 存储实现
type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	capsules *mongo.Collection
	log      *zap.Logger
	now      func() time.Time
}

// NewStore 连接 MongoDB 并确保索引存在
func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	opts := options.Client().ApplyURI(cfg.DSN)
	if cfg.MaxOpenConns > 0 {
		opts.SetMaxPoolSize(uint64(cfg.MaxOpenConns))
	}
	if cfg.MaxIdleConns > 0 {
		opts.SetMinPoolSize(uint64(cfg.MaxIdleConns))
	}

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	dbName := cfg.MongoDatabase
	if dbName == "" {
		dbName = "timecapsule"
	}
	db := client.Database(dbName)

	store := &Store{
		client:   client,
		users:    db.Collection("users"),
		capsules: db.Collection("capsules"),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}

	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	log.Info("connected to MongoDB", zap.String("database", dbName))
	return store, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(indexUniqueEmail),
		},
		{
			Keys:    bson.D{{Key: "username_lower", Value: 1}},
			Options: options.Index().SetUnique(true).SetName(indexUniqueUsername),
		},
	})
	if err != nil {
		return err
	}

	_, err = s.capsules.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "creator_id", Value: 1}}},
		{Keys: bson.D{{Key: "recipient_ids", Value: 1}}},
		{Keys: bson.D{{Key: "is_public", Value: 1}, {Key: "unlock_date", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "unlock_date", Value: 1}}},
	})
	return err
}

// Close 断开连接
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Health 检查连接健康状态
func (s *Store) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return storage.Unavailable("ping", err)
	}
	return nil
}

// ========== User Repository ==========

// CreateUser 创建新用户
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	now := s.now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}

	_, err := s.users.InsertOne(ctx, toUserDoc(user))
	return translateError("create user", err)
}

// GetUserByID 根据ID获取用户
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.findUser(ctx, "get user", bson.D{{Key: "_id", Value: id}})
}

// GetUserByEmail 根据邮箱获取用户
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.findUser(ctx, "get user by email", bson.D{{Key: "email", Value: email}})
}

// GetUserByUsername 根据用户名获取用户（不区分大小写）
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.findUser(ctx, "get user by username", bson.D{{Key: "username_lower", Value: strings.ToLower(username)}})
}

func (s *Store) findUser(ctx context.Context, op string, filter bson.D) (*domain.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrUserNotFound
		}
		return nil, translateError(op, err)
	}
	return doc.toDomain(), nil
}

// ListUsersByEmails 按邮箱批量查询用户
func (s *Store) ListUsersByEmails(ctx context.Context, emails []string) ([]*domain.User, error) {
	return s.listUsers(ctx, "list users by email", "email", emails)
}

// ListUsersByIDs 按ID批量查询用户
func (s *Store) ListUsersByIDs(ctx context.Context, ids []string) ([]*domain.User, error) {
	return s.listUsers(ctx, "list users by id", "_id", ids)
}

func (s *Store) listUsers(ctx context.Context, op, field string, keys []string) ([]*domain.User, error) {
	users := make([]*domain.User, 0, len(keys))
	if len(keys) == 0 {
		return users, nil
	}

	cursor, err := s.users.Find(ctx, bson.D{{Key: field, Value: bson.D{{Key: "$in", Value: keys}}}})
	if err != nil {
		return nil, translateError(op, err)
	}
	var docs []userDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, translateError(op, err)
	}
	for i := range docs {
		users = append(users, docs[i].toDomain())
	}
	return users, nil
}

// UpdateLastLogin 更新用户最后登录时间
func (s *Store) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	result, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "last_login_at", Value: at},
			{Key: "updated_at", Value: at},
		}}},
	)
	if err != nil {
		return translateError("update last login", err)
	}
	if result.MatchedCount == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

// ========== Capsule Repository ==========

// CreateCapsule 保存新胶囊
func (s *Store) CreateCapsule(ctx context.Context, capsule *domain.Capsule) error {
	now := s.now()
	capsule.CreatedAt = now
	capsule.UpdatedAt = now

	doc := toCapsuleDoc(capsule)
	doc.RecipientIDs = dedupe(doc.RecipientIDs)
	_, err := s.capsules.InsertOne(ctx, doc)
	return translateError("create capsule", err)
}

// GetCapsule 根据ID获取胶囊
func (s *Store) GetCapsule(ctx context.Context, id string) (*domain.Capsule, error) {
	var doc capsuleDoc
	if err := s.capsules.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrCapsuleNotFound
		}
		return nil, translateError("get capsule", err)
	}
	return doc.toDomain(), nil
}

// ListCapsulesByMember 返回用户创建或接收的全部胶囊
func (s *Store) ListCapsulesByMember(ctx context.Context, userID string) ([]*domain.Capsule, error) {
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "creator_id", Value: userID}},
		bson.D{{Key: "recipient_ids", Value: userID}},
	}}}
	return s.listCapsules(ctx, "list member capsules", filter)
}

// ListPublicCapsules 返回全部公开胶囊
func (s *Store) ListPublicCapsules(ctx context.Context) ([]*domain.Capsule, error) {
	return s.listCapsules(ctx, "list public capsules", bson.D{{Key: "is_public", Value: true}})
}

func (s *Store) listCapsules(ctx context.Context, op string, filter bson.D) ([]*domain.Capsule, error) {
	opts := options.Find().SetSort(bson.D{{Key: "unlock_date", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.capsules.Find(ctx, filter, opts)
	if err != nil {
		return nil, translateError(op, err)
	}
	var docs []capsuleDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, translateError(op, err)
	}

	out := make([]*domain.Capsule, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toDomain())
	}
	return out, nil
}

// UpdateLockedCapsule 条件更新胶囊，过滤条件带 status 保证与批量解锁互斥
func (s *Store) UpdateLockedCapsule(ctx context.Context, id string, patch domain.CapsulePatch) (*domain.Capsule, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: string(domain.StatusLocked)},
	}
	update := bson.D{{Key: "$set", Value: patchSet(patch, s.now())}}

	var doc capsuleDoc
	err := s.capsules.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, s.missOrNotLocked(ctx, id)
		}
		return nil, translateError("update capsule", err)
	}
	return doc.toDomain(), nil
}

// DeleteLockedCapsule 条件删除胶囊
func (s *Store) DeleteLockedCapsule(ctx context.Context, id string) error {
	result, err := s.capsules.DeleteOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "status", Value: string(domain.StatusLocked)},
	})
	if err != nil {
		return translateError("delete capsule", err)
	}
	if result.DeletedCount == 0 {
		return s.missOrNotLocked(ctx, id)
	}
	return nil
}

// ReplaceRecipients 整体替换接收者并重置为 locked
func (s *Store) ReplaceRecipients(ctx context.Context, id string, recipientIDs []string) (*domain.Capsule, error) {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "recipient_ids", Value: dedupe(recipientIDs)},
		{Key: "status", Value: string(domain.StatusLocked)},
		{Key: "updated_at", Value: s.now()},
	}}}

	var doc capsuleDoc
	err := s.capsules.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: id}}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrCapsuleNotFound
		}
		return nil, translateError("replace recipients", err)
	}
	return doc.toDomain(), nil
}

// UnlockDue 批量解锁到期胶囊
func (s *Store) UnlockDue(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.D{
		{Key: "status", Value: string(domain.StatusLocked)},
		{Key: "unlock_date", Value: bson.D{{Key: "$lte", Value: now.UTC()}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(domain.StatusUnlocked)},
		{Key: "updated_at", Value: s.now()},
	}}}

	result, err := s.capsules.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, translateError("unlock due capsules", err)
	}
	return result.ModifiedCount, nil
}

func (s *Store) missOrNotLocked(ctx context.Context, id string) error {
	count, err := s.capsules.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return translateError("count capsule", err)
	}
	if count == 0 {
		return storage.ErrCapsuleNotFound
	}
	return storage.ErrNotLocked
}

// translateError 把驱动错误归类为存储层错误
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		switch msg := err.Error(); {
		case strings.Contains(msg, indexUniqueUsername):
			return storage.ErrUsernameTaken
		case strings.Contains(msg, indexUniqueEmail):
			return storage.ErrEmailTaken
		}
	}
	return storage.Unavailable(op, err)
}

var _ storage.Store = (*Store)(nil)
