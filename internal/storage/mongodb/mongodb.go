package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authservice/internal/domain/models"
	"authservice/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	counters *mongo.Collection
	tokens   *mongo.Collection
}

type userDoc struct {
	ID                    int64     `bson:"_id"`
	Username              string    `bson:"username"`
	Email                 string    `bson:"email"`
	PassHash              []byte    `bson:"pass_hash"`
	Role                  string    `bson:"role"`
	Enabled               bool      `bson:"enabled"`
	AccountNonExpired     bool      `bson:"account_non_expired"`
	AccountNonLocked      bool      `bson:"account_non_locked"`
	CredentialsNonExpired bool      `bson:"credentials_non_expired"`
	CreatedAt             time.Time `bson:"created_at"`
	UpdatedAt             time.Time `bson:"updated_at"`
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

type refreshTokenDoc struct {
	ID        int64     `bson:"_id"`
	TokenHash string    `bson:"token_hash"`
	UserID    int64     `bson:"user_id"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
	Revoked   bool      `bson:"revoked"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		counters: db.Collection("counters"),
		tokens:   db.Collection("refresh_tokens"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	// users.username unique
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.username index: %w", err)
	}

	// users.email unique
	_, err = s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	// refresh_tokens.token_hash unique
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.token_hash index: %w", err)
	}

	// refresh_tokens.expires_at TTL index (storage-level cleanup of
	// expired rows; the service still checks expiry lazily on use)
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.expires_at TTL index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// nextID atomically increments and returns the next ID for a given collection.
func (s *Storage) nextID(ctx context.Context, collectionName string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: collectionName}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter counterDoc
	err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value, nil
}

// SaveUser saves a new user and returns the generated user ID.
func (s *Storage) SaveUser(ctx context.Context, username, email string, passHash []byte, role models.Role) (int64, error) {
	const op = "storage.mongodb.SaveUser"

	id, err := s.nextID(ctx, "users")
	if err != nil {
		return 0, fmt.Errorf("%s: nextID: %w", op, err)
	}

	now := time.Now()
	doc := userDoc{
		ID:                    id,
		Username:              username,
		Email:                 email,
		PassHash:              passHash,
		Role:                  role.String(),
		Enabled:               true,
		AccountNonExpired:     true,
		AccountNonLocked:      true,
		CredentialsNonExpired: true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	_, err = s.users.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			// Either unique index may have fired; the username one wins
			// the classification unless it is demonstrably free.
			exists, exErr := s.ExistsByUsername(ctx, username)
			if exErr == nil && !exists {
				return 0, fmt.Errorf("%s: %w", op, storage.ErrEmailAlreadyExists)
			}
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

// User retrieves a user by username.
func (s *Storage) User(ctx context.Context, username string) (*models.User, error) {
	const op = "storage.mongodb.User"
	return s.findUser(ctx, op, bson.D{{Key: "username", Value: username}})
}

// UserByID retrieves a user by ID.
func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.mongodb.UserByID"
	return s.findUser(ctx, op, bson.D{{Key: "_id", Value: userID}})
}

func (s *Storage) findUser(ctx context.Context, op string, filter bson.D) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.User{
		ID:                    doc.ID,
		Username:              doc.Username,
		Email:                 doc.Email,
		PassHash:              doc.PassHash,
		Role:                  models.ParseRole(doc.Role),
		Enabled:               doc.Enabled,
		AccountNonExpired:     doc.AccountNonExpired,
		AccountNonLocked:      doc.AccountNonLocked,
		CredentialsNonExpired: doc.CredentialsNonExpired,
		CreatedAt:             doc.CreatedAt,
		UpdatedAt:             doc.UpdatedAt,
	}, nil
}

func (s *Storage) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	const op = "storage.mongodb.ExistsByUsername"

	count, err := s.users.CountDocuments(ctx, bson.D{{Key: "username", Value: username}})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return count > 0, nil
}

func (s *Storage) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	const op = "storage.mongodb.ExistsByEmail"

	count, err := s.users.CountDocuments(ctx, bson.D{{Key: "email", Value: email}})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return count > 0, nil
}

// SaveRefreshToken stores a new refresh token record.
func (s *Storage) SaveRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	const op = "storage.mongodb.SaveRefreshToken"

	id, err := s.nextID(ctx, "refresh_tokens")
	if err != nil {
		return fmt.Errorf("%s: nextID: %w", op, err)
	}

	doc := refreshTokenDoc{
		ID:        id,
		TokenHash: tokenHash,
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
		Revoked:   false,
	}

	_, err = s.tokens.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenAlreadyExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshToken retrieves a refresh token record by its hash.
func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshToken"

	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return tokenFromDoc(&doc), nil
}

// RedeemRefreshToken atomically removes a live token record and returns
// it. FindOneAndDelete on the unique hash means concurrent redeems of the
// same token resolve to exactly one winner.
func (s *Storage) RedeemRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RedeemRefreshToken"

	filter := bson.D{
		{Key: "token_hash", Value: tokenHash},
		{Key: "revoked", Value: false},
	}

	var doc refreshTokenDoc
	err := s.tokens.FindOneAndDelete(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, s.classifyMissing(ctx, op, tokenHash)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if time.Now().After(doc.ExpiresAt) {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenExpired)
	}

	return tokenFromDoc(&doc), nil
}

func (s *Storage) classifyMissing(ctx context.Context, op, tokenHash string) error {
	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, storage.ErrTokenRevoked)
}

// DeleteRefreshToken removes a token record; missing records are fine.
func (s *Storage) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	const op = "storage.mongodb.DeleteRefreshToken"

	_, err := s.tokens.DeleteOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RevokeRefreshTokensByUser flags every token owned by the user as revoked.
func (s *Storage) RevokeRefreshTokensByUser(ctx context.Context, userID int64) error {
	const op = "storage.mongodb.RevokeRefreshTokensByUser"

	_, err := s.tokens.UpdateMany(ctx,
		bson.D{{Key: "user_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked", Value: true}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func tokenFromDoc(doc *refreshTokenDoc) *models.RefreshToken {
	return &models.RefreshToken{
		ID:        doc.ID,
		TokenHash: doc.TokenHash,
		UserID:    doc.UserID,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
		Revoked:   doc.Revoked,
	}
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
