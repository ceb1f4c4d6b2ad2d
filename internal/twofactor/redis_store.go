package twofactor

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"account-auth/internal/store"
)

// RedisCodeStore keeps out-of-band codes in Redis instead of the
// auth_one_time_codes table. Keys expire on their own.
type RedisCodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisCodeStore(client redis.UniversalClient, prefix string) *RedisCodeStore {
	if prefix == "" {
		prefix = "auth:otc"
	}
	return &RedisCodeStore{redis: client, prefix: prefix}
}

func (s *RedisCodeStore) key(accountID, purpose string) string {
	return s.prefix + ":" + purpose + ":" + accountID
}

// record layout: <code hash>|<expires unix>|<attempts>
func encodeRecord(codeHash string, expiresAt time.Time, attempts int) string {
	return codeHash + "|" + strconv.FormatInt(expiresAt.Unix(), 10) + "|" + strconv.Itoa(attempts)
}

func decodeRecord(value string) (string, time.Time, int, error) {
	parts := strings.Split(value, "|")
	if len(parts) != 3 {
		return "", time.Time{}, 0, fmt.Errorf("malformed one-time code record")
	}
	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, 0, fmt.Errorf("parse code expiry: %w", err)
	}
	attempts, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", time.Time{}, 0, fmt.Errorf("parse code attempts: %w", err)
	}
	return parts[0], time.Unix(expires, 0).UTC(), attempts, nil
}

func (s *RedisCodeStore) SaveOneTimeCode(ctx context.Context, code store.OneTimeCode) error {
	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	err := s.redis.Set(ctx, s.key(code.AccountID, code.Purpose), encodeRecord(code.CodeHash, code.ExpiresAt, 0), ttl).Err()
	if err != nil {
		return fmt.Errorf("save one-time code: %w", err)
	}
	return nil
}

func (s *RedisCodeStore) ConsumeOneTimeCode(ctx context.Context, accountID, purpose, codeHash string, now time.Time, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(accountID, purpose)

	for i := 0; i < maxRetries; i++ {
		matched := false
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			value, err := tx.Get(ctx, key).Result()
			if err != nil {
				return err
			}
			stored, expiresAt, attempts, err := decodeRecord(value)
			if err != nil {
				return err
			}

			live := expiresAt.After(now)
			matched = live && subtle.ConstantTimeCompare([]byte(stored), []byte(codeHash)) == 1
			attempts++

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if matched || !live || attempts >= maxAttempts {
					pipe.Del(ctx, key)
					return nil
				}
				pipe.Set(ctx, key, encodeRecord(stored, expiresAt, attempts), redis.KeepTTL)
				return nil
			})
			return err
		}, key)

		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, redis.Nil):
			return false, nil
		case err != nil:
			return false, fmt.Errorf("consume one-time code: %w", err)
		}
		return matched, nil
	}

	return false, nil
}
