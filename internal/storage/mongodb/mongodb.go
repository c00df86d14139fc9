package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"wheelauth/internal/domain/models"
	"wheelauth/internal/storage"
)

type Storage struct {
	client *mongo.Client
	users  *mongo.Collection
	tokens *mongo.Collection
}

type userDoc struct {
	ID        string    `bson:"_id"`
	Email     string    `bson:"email"`
	PassHash  string    `bson:"pass_hash"`
	FullName  string    `bson:"full_name"`
	Timezone  string    `bson:"timezone"`
	CreatedAt time.Time `bson:"created_at"`
}

type refreshTokenDoc struct {
	ID            string     `bson:"_id"`
	UserID        string     `bson:"user_id"`
	TokenHash     string     `bson:"token_hash"`
	DeviceInfo    string     `bson:"device_info"`
	OriginAddress string     `bson:"origin_address"`
	CreatedAt     time.Time  `bson:"created_at"`
	ExpiresAt     time.Time  `bson:"expires_at"`
	RevokedAt     *time.Time `bson:"revoked_at,omitempty"`
}

// New creates a MongoDB storage instance and sets up indexes.
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
		client: client,
		users:  db.Collection("users"),
		tokens: db.Collection("refresh_tokens"),
	}

	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

// EnsureIndexes creates the unique and lookup indexes the store depends on.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token_hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.token_hash index: %w", err)
	}

	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.user_id index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	const op = "storage.mongodb.SaveUser"

	doc := userDoc{
		ID:        user.ID,
		Email:     user.Email,
		PassHash:  user.PassHash,
		FullName:  user.FullName,
		Timezone:  user.Timezone,
		CreatedAt: user.CreatedAt,
	}

	_, err := s.users.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return fmt.Errorf("%s: %w", op, wrap(err))
	}
	return nil
}

func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.UserByEmail"
	return s.findUser(ctx, op, bson.D{{Key: "email", Value: email}})
}

func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
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
		return nil, fmt.Errorf("%s: %w", op, wrap(err))
	}

	return &models.User{
		ID:        doc.ID,
		Email:     doc.Email,
		PassHash:  doc.PassHash,
		FullName:  doc.FullName,
		Timezone:  doc.Timezone,
		CreatedAt: doc.CreatedAt,
	}, nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	const op = "storage.mongodb.SaveRefreshToken"

	_, err := s.tokens.InsertOne(ctx, toDoc(token))
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenExists)
		}
		return fmt.Errorf("%s: %w", op, wrap(err))
	}
	return nil
}

func (s *Storage) RefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshTokenByHash"

	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, wrap(err))
	}
	return fromDoc(&doc), nil
}

// RotateRefreshToken conditionally revokes the old record and inserts the
// replacement. The filter on an unset revoked_at makes concurrent rotations
// of the same hash single-winner: losers observe the already-revoked record.
func (s *Storage) RotateRefreshToken(ctx context.Context, oldHash string, newToken *models.RefreshToken) error {
	const op = "storage.mongodb.RotateRefreshToken"

	res, err := s.tokens.UpdateOne(ctx,
		bson.D{
			{Key: "token_hash", Value: oldHash},
			{Key: "revoked_at", Value: bson.D{{Key: "$exists", Value: false}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked_at", Value: time.Now().UTC()}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: revoke old: %w", op, wrap(err))
	}
	if res.ModifiedCount == 0 {
		count, err := s.tokens.CountDocuments(ctx, bson.D{{Key: "token_hash", Value: oldHash}})
		if err != nil {
			return fmt.Errorf("%s: %w", op, wrap(err))
		}
		if count == 0 {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return fmt.Errorf("%s: %w", op, storage.ErrTokenRevoked)
	}

	_, err = s.tokens.InsertOne(ctx, toDoc(newToken))
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%s: insert new: %w", op, storage.ErrTokenExists)
		}
		return fmt.Errorf("%s: insert new: %w", op, wrap(err))
	}
	return nil
}

func (s *Storage) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	const op = "storage.mongodb.RevokeAllForUser"

	res, err := s.tokens.UpdateMany(ctx,
		bson.D{
			{Key: "user_id", Value: userID},
			{Key: "revoked_at", Value: bson.D{{Key: "$exists", Value: false}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "revoked_at", Value: time.Now().UTC()}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, wrap(err))
	}
	return res.ModifiedCount, nil
}

func (s *Storage) PurgeTokens(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.mongodb.PurgeTokens"

	res, err := s.tokens.DeleteMany(ctx,
		bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now.UTC()}}}},
			bson.D{{Key: "revoked_at", Value: bson.D{{Key: "$exists", Value: true}}}},
		}}},
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, wrap(err))
	}
	return res.DeletedCount, nil
}

func toDoc(token *models.RefreshToken) refreshTokenDoc {
	return refreshTokenDoc{
		ID:            token.ID,
		UserID:        token.UserID,
		TokenHash:     token.TokenHash,
		DeviceInfo:    token.DeviceInfo,
		OriginAddress: token.OriginAddress,
		CreatedAt:     token.CreatedAt,
		ExpiresAt:     token.ExpiresAt,
		RevokedAt:     token.RevokedAt,
	}
}

func fromDoc(doc *refreshTokenDoc) *models.RefreshToken {
	return &models.RefreshToken{
		ID:            doc.ID,
		UserID:        doc.UserID,
		TokenHash:     doc.TokenHash,
		DeviceInfo:    doc.DeviceInfo,
		OriginAddress: doc.OriginAddress,
		CreatedAt:     doc.CreatedAt,
		ExpiresAt:     doc.ExpiresAt,
		RevokedAt:     doc.RevokedAt,
	}
}

// isDuplicateKeyError checks for a MongoDB duplicate key error (code 11000).
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

// wrap tags timeout failures as transient.
func wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}
