package redis

const (
	// markCompletedScript records a completion once. The first writer wins and
	// keeps its completed_at; later calls leave the record untouched.
	markCompletedScript = `
local verified_key = KEYS[1]   -- engage:verified_{token}
local index_key = KEYS[2]      -- engage:verified:index

local token = ARGV[1]
local completed_at = ARGV[2]

local created = redis.call('SETNX', verified_key, completed_at)
redis.call('SADD', index_key, token)

return created
`

	// clearVerificationScript removes a completion and its index entry
	clearVerificationScript = `
local verified_key = KEYS[1]   -- engage:verified_{token}
local index_key = KEYS[2]      -- engage:verified:index

local token = ARGV[1]

redis.call('DEL', verified_key)
redis.call('SREM', index_key, token)

return 'OK'
`

	// upsertSessionScript atomically updates a session snapshot and the active index
	upsertSessionScript = `
local session_key = KEYS[1]     -- engage:session:{token}
local active_set = KEYS[2]      -- engage:sessions:active

local token = ARGV[1]
local threshold_seconds = ARGV[2]
local accumulated_seconds = ARGV[3]
local playing = ARGV[4]
local page_visible = ARGV[5]
local completed = ARGV[6]
local started_at = ARGV[7]
local last_activity = ARGV[8]
local active = ARGV[9]
local ttl = tonumber(ARGV[10])

redis.call('HSET', session_key,
  'session_token', token,
  'threshold_seconds', threshold_seconds,
  'accumulated_seconds', accumulated_seconds,
  'playing', playing,
  'page_visible', page_visible,
  'completed', completed,
  'started_at', started_at,
  'last_activity', last_activity,
  'active', active
)

if active == '1' then
  redis.call('SADD', active_set, token)
  redis.call('PERSIST', session_key)
else
  redis.call('SREM', active_set, token)
  redis.call('EXPIRE', session_key, ttl)
end

return 'OK'
`
)
