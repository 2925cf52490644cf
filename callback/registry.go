package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipforge/clipforge-api/config"
)

const (
	registrationKeyPrefix = "tus_callback:"
	resultKeyPrefix       = "tus_result:"
	serverLockKey         = "tus_callback_server_lock"

	// RegistrationTTL bounds how long an async ASR job may take before its
	// registration expires and the callback has to fall back to task-table
	// resolution.
	RegistrationTTL = time.Hour

	// ResultTTL keeps finished results around briefly for late readers.
	ResultTTL = 5 * time.Minute

	serverLockTTL = 30 * time.Second
)

// Registration maps an ASR backend task id to the domain task that is waiting
// on it, written before the audio upload starts so even an instant callback
// can be matched.
type Registration struct {
	WorkerTaskID string    `json:"worker_task_id"`
	RequestID    string    `json:"request_id"`
	VideoID      int64     `json:"video_id"`
	SliceID      int64     `json:"slice_id,omitempty"`
	SubSliceID   int64     `json:"sub_slice_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Result is the short-lived record of a processed callback.
type Result struct {
	TaskID       string    `json:"task_id"`
	WorkerTaskID string    `json:"worker_task_id,omitempty"`
	Status       string    `json:"status"`
	SRTKey       string    `json:"srt_key,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// ErrNotRegistered is returned when no registration or result exists for an
// ASR task id.
var ErrNotRegistered = errors.New("no registration for task id")

// Registry is the shared key-value view of in-flight async transcriptions.
// Both the pipeline (writer) and the callback server (reader) go through it.
type Registry struct {
	rdb *redis.Client
}

func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

// NewRedisClient dials the shared key-value store and verifies it responds.
func NewRedisClient(ctx context.Context, cli config.Cli) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cli.RedisAddr,
		Password:     cli.RedisPassword,
		DB:           cli.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("error connecting to redis at %s: %w", cli.RedisAddr, err)
	}
	return rdb, nil
}

func (r *Registry) Register(ctx context.Context, taskID string, reg Registration) error {
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("error marshalling registration: %w", err)
	}
	if err := r.rdb.Set(ctx, registrationKeyPrefix+taskID, payload, RegistrationTTL).Err(); err != nil {
		return fmt.Errorf("error registering callback for task %s: %w", taskID, err)
	}
	return nil
}

func (r *Registry) Lookup(ctx context.Context, taskID string) (*Registration, error) {
	payload, err := r.rdb.Get(ctx, registrationKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("error looking up registration for task %s: %w", taskID, err)
	}
	var reg Registration
	if err := json.Unmarshal(payload, &reg); err != nil {
		return nil, fmt.Errorf("error decoding registration for task %s: %w", taskID, err)
	}
	return &reg, nil
}

// Delete removes a registration. Always called once a callback has been
// handled, matched or not, so stale keys never linger past their TTL.
func (r *Registry) Delete(ctx context.Context, taskID string) error {
	return r.rdb.Del(ctx, registrationKeyPrefix+taskID).Err()
}

func (r *Registry) WriteResult(ctx context.Context, taskID string, res Result) error {
	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now().UTC()
	}
	res.TaskID = taskID
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("error marshalling result: %w", err)
	}
	if err := r.rdb.Set(ctx, resultKeyPrefix+taskID, payload, ResultTTL).Err(); err != nil {
		return fmt.Errorf("error writing result for task %s: %w", taskID, err)
	}
	return nil
}

func (r *Registry) ReadResult(ctx context.Context, taskID string) (*Result, error) {
	payload, err := r.rdb.Get(ctx, resultKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("error reading result for task %s: %w", taskID, err)
	}
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("error decoding result for task %s: %w", taskID, err)
	}
	return &res, nil
}

// AcquireServerLock takes the cross-process startup mutex for the callback
// server. The holder must keep refreshing it while serving.
func (r *Registry) AcquireServerLock(ctx context.Context, owner string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, serverLockKey, owner, serverLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("error acquiring callback server lock: %w", err)
	}
	return ok, nil
}

// RefreshServerLock extends the lock if this owner still holds it.
func (r *Registry) RefreshServerLock(ctx context.Context, owner string) error {
	held, err := r.rdb.Get(ctx, serverLockKey).Result()
	if err == redis.Nil || (err == nil && held != owner) {
		return fmt.Errorf("callback server lock lost")
	}
	if err != nil {
		return fmt.Errorf("error checking callback server lock: %w", err)
	}
	return r.rdb.Expire(ctx, serverLockKey, serverLockTTL).Err()
}

// ReleaseServerLock drops the lock if this owner holds it.
func (r *Registry) ReleaseServerLock(ctx context.Context, owner string) error {
	held, err := r.rdb.Get(ctx, serverLockKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error checking callback server lock: %w", err)
	}
	if held != owner {
		return nil
	}
	return r.rdb.Del(ctx, serverLockKey).Err()
}
