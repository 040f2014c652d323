package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ocpihub/backend/services/ocpi-service/internal/commands"
	"ocpihub/backend/services/ocpi-service/internal/models"
)

const (
	completeNotFound  = 0
	completeAccepted  = 1
	completeDuplicate = 2
)

// completeScript moves a command from created to result_received atomically and returns the
// outcome together with the stored fields, read before the retention expiry is applied.
// KEYS[1] command key; ARGV: now_ms, result json, completed_at, retention_ms.
var completeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return {0}
end
if state == 'result_received' then
	return {2, redis.call('HGETALL', KEYS[1])}
end
if state ~= 'created' then
	return {0}
end
if tonumber(redis.call('HGET', KEYS[1], 'expires_at_ms')) <= tonumber(ARGV[1]) then
	redis.call('HSET', KEYS[1], 'state', 'expired')
	return {0}
end
redis.call('HSET', KEYS[1], 'state', 'result_received', 'result', ARGV[2], 'completed_at', ARGV[3])
local fields = redis.call('HGETALL', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, fields}
`)

// CommandStore keeps pending commands in Redis hashes. Redis key expiry replaces the sweep loop.
type CommandStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewCommandStore returns redis-backed store. Completed commands live for retention; a
// non-positive retention means commands.DefaultRetention.
func NewCommandStore(client *redis.Client, retention time.Duration) *CommandStore {
	if retention <= 0 {
		retention = commands.DefaultRetention
	}
	return &CommandStore{client: client, retention: retention}
}

func (s *CommandStore) key(id string) string {
	return fmt.Sprintf("ocpi:commands:%s", id)
}

// Save stores the command with a TTL equal to its remaining lifetime.
func (s *CommandStore) Save(ctx context.Context, cmd models.PendingCommand) error {
	fields := map[string]any{
		"id":            cmd.ID,
		"type":          string(cmd.Type),
		"state":         string(cmd.State),
		"created_at":    models.FormatTime(cmd.CreatedAt),
		"expires_at_ms": cmd.ExpiresAt.UnixMilli(),
	}
	if cmd.Callback != nil {
		data, err := json.Marshal(cmd.Callback)
		if err != nil {
			return err
		}
		fields["callback"] = string(data)
	}
	ttl := cmd.ExpiresAt.Sub(cmd.CreatedAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(cmd.ID), fields)
		pipe.PExpire(ctx, s.key(cmd.ID), ttl)
		return nil
	})
	return err
}

// Complete runs the compare-and-set script. The command comes back in the script reply, so
// it is returned even when the retention expiry has already removed the key.
func (s *CommandStore) Complete(ctx context.Context, id string, result models.CommandResult, at time.Time) (commands.Completion, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return commands.Completion{}, err
	}
	reply, err := completeScript.Run(ctx, s.client, []string{s.key(id)},
		at.UnixMilli(),
		string(data),
		models.FormatTime(at),
		s.retention.Milliseconds(),
	).Slice()
	if err != nil {
		return commands.Completion{}, fmt.Errorf("complete command: %w", err)
	}
	if len(reply) == 0 {
		return commands.Completion{}, fmt.Errorf("complete command: empty reply")
	}
	outcome, _ := reply[0].(int64)
	if outcome == completeNotFound {
		return commands.Completion{}, nil
	}
	if len(reply) < 2 {
		return commands.Completion{}, fmt.Errorf("complete command: unexpected reply %v", reply)
	}
	fields, err := hashFields(reply[1])
	if err != nil {
		return commands.Completion{}, err
	}
	cmd, err := decodeCommand(fields)
	if err != nil {
		return commands.Completion{}, err
	}
	return commands.Completion{
		Found:            true,
		AlreadyCompleted: outcome == completeDuplicate,
		Command:          cmd,
	}, nil
}

// hashFields turns a flat HGETALL script reply into a field map.
func hashFields(v any) (map[string]string, error) {
	flat, ok := v.([]any)
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("complete command: malformed fields %v", v)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		val, _ := flat[i+1].(string)
		fields[k] = val
	}
	return fields, nil
}

func (s *CommandStore) Get(ctx context.Context, id string, at time.Time) (models.PendingCommand, error) {
	cmd, err := s.load(ctx, id)
	if err != nil {
		return models.PendingCommand{}, err
	}
	if cmd.State == models.CommandStateExpired ||
		(cmd.State == models.CommandStateCreated && !at.Before(cmd.ExpiresAt)) {
		return models.PendingCommand{}, commands.ErrNotFound
	}
	return cmd, nil
}

// Sweep is a no-op; keys expire on their own.
func (s *CommandStore) Sweep(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

func (s *CommandStore) load(ctx context.Context, id string) (models.PendingCommand, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return models.PendingCommand{}, err
	}
	if len(fields) == 0 {
		return models.PendingCommand{}, commands.ErrNotFound
	}
	return decodeCommand(fields)
}

func decodeCommand(fields map[string]string) (models.PendingCommand, error) {
	cmd := models.PendingCommand{
		ID:    fields["id"],
		Type:  models.CommandType(fields["type"]),
		State: models.CommandState(fields["state"]),
	}
	createdAt, err := models.ParseTime(fields["created_at"])
	if err != nil {
		return models.PendingCommand{}, err
	}
	cmd.CreatedAt = createdAt
	expiresMs, err := strconv.ParseInt(fields["expires_at_ms"], 10, 64)
	if err != nil {
		return models.PendingCommand{}, fmt.Errorf("expires_at_ms: %w", err)
	}
	cmd.ExpiresAt = time.UnixMilli(expiresMs).UTC()

	if raw := fields["callback"]; raw != "" {
		var cb models.UpstreamCallback
		if err := json.Unmarshal([]byte(raw), &cb); err != nil {
			return models.PendingCommand{}, fmt.Errorf("callback: %w", err)
		}
		cmd.Callback = &cb
	}
	if raw := fields["result"]; raw != "" {
		var result models.CommandResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return models.PendingCommand{}, fmt.Errorf("result: %w", err)
		}
		cmd.Result = &result
	}
	if raw := fields["completed_at"]; raw != "" {
		completedAt, err := models.ParseTime(raw)
		if err != nil {
			return models.PendingCommand{}, err
		}
		cmd.CompletedAt = &completedAt
	}
	return cmd, nil
}
