// redis.go -- go-redis backend for pending authorizations and issued credentials.
//
// Pending authorizations are JSON strings under polaris:pending:<state> with a TTL
// of (expires_at + retention), so expired states stay visible long enough to be
// reported as expired and then vanish without a sweeper. Issued credentials are
// a JSON list under polaris:credentials. Multi-key invariants use Lua scripts or
// MULTI so each operation is atomic on the server.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

const (
	pendingKeyPrefix = "polaris:pending:"
	credentialsKey   = "polaris:credentials"
)

// DefaultRetention is how long an expired pending authorization stays readable.
const DefaultRetention = time.Hour

// RedisStore is the Redis-backed state and credential store.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisClient parses redisURL, connects, and pings.
// The returned client is safe for concurrent use; the caller closes it.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// NewRedisStore wraps a shared client. retention <= 0 uses DefaultRetention.
func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{rdb: rdb, retention: retention}
}

// pendingJSON is the value stored for each pending key.
type pendingJSON struct {
	ID           uuid.UUID `json:"id"`
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	IDP          string    `json:"idp"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// credentialJSON is one element of the credentials list.
type credentialJSON struct {
	ID           uuid.UUID `json:"id"`
	State        string    `json:"state"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	ProfileARN   string    `json:"profile_arn,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
	IDP          string    `json:"idp"`
}

// savePendingScript refuses the whole batch if any key exists, else sets all.
// KEYS = pending keys, ARGV[i] = payload for KEYS[i], ARGV[#KEYS+i] = TTL in ms.
var savePendingScript = redis.NewScript(`
for i = 1, #KEYS do
    if redis.call('EXISTS', KEYS[i]) == 1 then
        return 0
    end
end
local n = #KEYS
for i = 1, n do
    redis.call('SET', KEYS[i], ARGV[i], 'PX', ARGV[n + i])
end
return 1
`)

// completeScript deletes the pending key and appends the credential only if the
// delete removed something. KEYS[1] = pending key, KEYS[2] = credentials list.
var completeScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
    return 0
end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// SavePending stores every record or none. A key collision yields ErrDuplicateState.
func (s *RedisStore) SavePending(ctx context.Context, pending ...PendingAuthorization) error {
	if len(pending) == 0 {
		return nil
	}
	keys := make([]string, len(pending))
	payloads := make([]any, len(pending))
	ttls := make([]any, len(pending))
	for i, p := range pending {
		data, err := json.Marshal(pendingJSON(p))
		if err != nil {
			return fmt.Errorf("marshaling pending authorization: %w", err)
		}
		keys[i] = pendingKeyPrefix + p.State
		payloads[i] = data
		ttl := time.Until(p.ExpiresAt) + s.retention
		if ttl < time.Millisecond {
			ttl = time.Millisecond
		}
		ttls[i] = ttl.Milliseconds()
	}

	ok, err := savePendingScript.Run(ctx, s.rdb, keys, append(payloads, ttls...)...).Int64()
	if err != nil {
		return fmt.Errorf("storing pending authorizations: %w", err)
	}
	if ok == 0 {
		return ErrDuplicateState
	}
	return nil
}

// GetPending fetches a pending authorization by state.
func (s *RedisStore) GetPending(ctx context.Context, state string) (*PendingAuthorization, error) {
	raw, err := s.rdb.Get(ctx, pendingKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching pending authorization: %w", err)
	}
	var pj pendingJSON
	if err := json.Unmarshal(raw, &pj); err != nil {
		return nil, fmt.Errorf("parsing pending authorization: %w", err)
	}
	p := PendingAuthorization(pj)
	return &p, nil
}

// DeletePending removes the pending key for state.
func (s *RedisStore) DeletePending(ctx context.Context, state string) error {
	if err := s.rdb.Del(ctx, pendingKeyPrefix+state).Err(); err != nil {
		return fmt.Errorf("deleting pending authorization: %w", err)
	}
	return nil
}

// SweepPending is a no-op; key TTLs already bound retention.
func (s *RedisStore) SweepPending(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// CompleteAuthorization consumes the pending key and appends cred in one script.
func (s *RedisStore) CompleteAuthorization(ctx context.Context, cred IssuedCredential) error {
	data, err := json.Marshal(credentialJSON(cred))
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}
	ok, err := completeScript.Run(ctx, s.rdb, []string{pendingKeyPrefix + cred.State, credentialsKey}, data).Int64()
	if err != nil {
		return fmt.Errorf("completing authorization: %w", err)
	}
	if ok == 0 {
		return ErrStateNotFound
	}
	return nil
}

// DrainCredentials reads and deletes the credentials list inside MULTI/EXEC.
func (s *RedisStore) DrainCredentials(ctx context.Context) ([]IssuedCredential, error) {
	pipe := s.rdb.TxPipeline()
	lrange := pipe.LRange(ctx, credentialsKey, 0, -1)
	pipe.Del(ctx, credentialsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("draining credentials: %w", err)
	}

	// The list is already gone, so one corrupt entry must not cost the rest.
	creds := make([]IssuedCredential, 0, len(lrange.Val()))
	for i, raw := range lrange.Val() {
		var cj credentialJSON
		if err := json.Unmarshal([]byte(raw), &cj); err != nil {
			slog.Error("skipping undecodable credential", "index", i, "error", err)
			continue
		}
		creds = append(creds, IssuedCredential(cj))
	}
	sortCredentials(creds)
	return creds, nil
}
