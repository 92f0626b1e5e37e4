package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pprasoon1/safe-chat/internal/logging"
)

const (
	// OnlineKey is the shared set of online subjects.
	OnlineKey = "online_users"

	// UserPrefix keys the set of live session ids per subject.
	UserPrefix = "presence:user:"

	// ServerPrefix keys the hash of session id -> subject per instance, used
	// to sweep sessions left behind by a crashed instance.
	ServerPrefix = "presence:server:"
)

// addLua registers a session and reports whether it is the subject's first.
//
//	KEYS[1] = presence:user:{subject}
//	KEYS[2] = presence:server:{name}
//	KEYS[3] = online_users
//	ARGV[1] = session id
//	ARGV[2] = subject
//
// Returns 1 if the subject just came online, 0 otherwise.
const addLua = `
local before = redis.call('SCARD', KEYS[1])
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
if before == 0 and added == 1 then
  return 1
end
return 0
`

// removeLua drops a session and takes the subject offline at zero.
//
// Same KEYS/ARGV as addLua. Returns:
//
//	1 = last session removed, subject is offline
//	0 = session removed, other sessions remain
//	-1 = session was not registered
const removeLua = `
redis.call('HDEL', KEYS[2], ARGV[1])
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if removed == 0 then
  return -1
end
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[3], ARGV[2])
  return 1
end
return 0
`

// Redis is the fleet-wide Registry.
type Redis struct {
	rdb          *redis.Client
	serverName   string
	addScript    *redis.Script
	removeScript *redis.Script
	log          zerolog.Logger
}

// NewRedis returns a Registry that records sessions under serverName.
func NewRedis(rdb *redis.Client, serverName string) *Redis {
	return &Redis{
		rdb:          rdb,
		serverName:   serverName,
		addScript:    redis.NewScript(addLua),
		removeScript: redis.NewScript(removeLua),
		log:          logging.Component("presence").With().Str(logging.FieldServer, serverName).Logger(),
	}
}

func (r *Redis) keys(subject string) []string {
	return []string{UserPrefix + subject, ServerPrefix + r.serverName, OnlineKey}
}

func (r *Redis) Add(ctx context.Context, subject, sessionID string) (bool, error) {
	n, err := r.addScript.Run(ctx, r.rdb, r.keys(subject), sessionID, subject).Int()
	if err != nil {
		return false, fmt.Errorf("presence: add %s: %w", subject, err)
	}
	return n == 1, nil
}

func (r *Redis) Remove(ctx context.Context, subject, sessionID string) (bool, error) {
	n, err := r.removeScript.Run(ctx, r.rdb, r.keys(subject), sessionID, subject).Int()
	if err != nil {
		return false, fmt.Errorf("presence: remove %s: %w", subject, err)
	}
	return n == 1, nil
}

func (r *Redis) Online(ctx context.Context) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, OnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: online: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// Sweep removes every session this instance recorded before it last
// stopped. It returns the subjects that went offline as a result.
func (r *Redis) Sweep(ctx context.Context) ([]string, error) {
	stale, err := r.rdb.HGetAll(ctx, ServerPrefix+r.serverName).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: sweep: %w", err)
	}

	var offline []string
	for sid, subject := range stale {
		last, err := r.Remove(ctx, subject, sid)
		if err != nil {
			return offline, err
		}
		if last {
			offline = append(offline, subject)
		}
	}

	if len(stale) > 0 {
		r.log.Info().Int("sessions", len(stale)).Int("offline", len(offline)).Msg("swept stale sessions")
	}
	return offline, nil
}
