package fetch

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/anshultibby/finch-sub002/internal/domain"
)

// Cache stores msgpack-encoded normalized payloads in the cache database.
// A nil *Cache disables caching entirely.
type Cache struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCache creates a new fetch cache
func NewCache(db *sql.DB, log zerolog.Logger) *Cache {
	return &Cache{
		db:  db,
		log: log.With().Str("component", "fetch_cache").Logger(),
	}
}

// Get returns the cached payload for key if present and not expired
func (c *Cache) Get(key string) (domain.Payload, bool) {
	if c == nil {
		return nil, false
	}

	var blob []byte
	err := c.db.QueryRow(`
		SELECT payload FROM fetch_cache
		WHERE cache_key = ? AND expires_at > ?
	`, key, time.Now().Unix()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		return nil, false
	}

	var payload map[string]interface{}
	if err := msgpack.Unmarshal(blob, &payload); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Cache payload corrupt, ignoring")
		return nil, false
	}

	return domain.Payload(payload), true
}

// Put stores a payload with the given TTL. Cache write failures are logged
// and swallowed - the cache is best-effort.
func (c *Cache) Put(key string, payload domain.Payload, ttl time.Duration) {
	if c == nil || ttl <= 0 {
		return
	}

	blob, err := msgpack.Marshal(map[string]interface{}(payload))
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Cache encode failed")
		return
	}

	now := time.Now()
	_, err = c.db.Exec(`
		INSERT INTO fetch_cache (cache_key, payload, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`, key, blob, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

// Prune deletes expired entries. Returns the number of rows removed.
func (c *Cache) Prune() (int64, error) {
	if c == nil {
		return 0, nil
	}

	res, err := c.db.Exec("DELETE FROM fetch_cache WHERE expires_at <= ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune fetch cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
