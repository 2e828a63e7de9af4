package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rocketscienceinc/tictactoe-sync/internal/apperror"
	"github.com/rocketscienceinc/tictactoe-sync/internal/entity"
)

const sessionKeyPrefix = "session:"

type SessionRepository interface {
	// Create registers a new code, failing with apperror.ErrCodeInUse if it is taken.
	Create(ctx context.Context, session *entity.Session) error
	Save(ctx context.Context, session *entity.Session) error
	GetByPin(ctx context.Context, pinCode string) (*entity.Session, error)
	DeleteByPin(ctx context.Context, pinCode string) error
}

type dbSession struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionRepository - stores sessions as JSON. Every write refreshes the key's TTL,
// so a code nobody plays on stops being joinable once the inactivity window passes.
func NewSessionRepository(client *redis.Client, ttl time.Duration) SessionRepository {
	return &dbSession{
		client: client,
		ttl:    ttl,
	}
}

func (that *dbSession) Create(ctx context.Context, session *entity.Session) error {
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("could not marshal session: %w", err)
	}

	created, err := that.client.SetNX(ctx, sessionKey(session.PinCode), sessionJSON, that.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if !created {
		return fmt.Errorf("%w: %s", apperror.ErrCodeInUse, session.PinCode)
	}

	return nil
}

func (that *dbSession) Save(ctx context.Context, session *entity.Session) error {
	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("could not marshal session: %w", err)
	}

	if err = that.client.Set(ctx, sessionKey(session.PinCode), sessionJSON, that.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}

	return nil
}

func (that *dbSession) GetByPin(ctx context.Context, pinCode string) (*entity.Session, error) {
	response, err := that.client.Get(ctx, sessionKey(pinCode)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", apperror.ErrNotFound, pinCode)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get session by pin: %w", err)
	}

	var session entity.Session
	if err = json.Unmarshal([]byte(response), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}

func (that *dbSession) DeleteByPin(ctx context.Context, pinCode string) error {
	deleted, err := that.client.Del(ctx, sessionKey(pinCode)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session by pin: %w", err)
	}

	if deleted == 0 {
		return fmt.Errorf("%w: %s", apperror.ErrNotFound, pinCode)
	}

	return nil
}

func sessionKey(pinCode string) string {
	return sessionKeyPrefix + pinCode
}
