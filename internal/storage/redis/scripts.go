package redis

// Balance scripts return {status, balance}:
// status -2 = balance limit exceeded, -1 = profile missing,
// 0 = insufficient credits, 1 = applied.
const (
	// createProfileScript creates a profile hash unless it already exists
	createProfileScript = `
local profile_key = KEYS[1]    -- {prefix}:profile:{id}

if redis.call('EXISTS', profile_key) == 1 then
  return 0
end

redis.call('HSET', profile_key,
  'id', ARGV[1],
  'email', ARGV[2],
  'credits_in_minutes', ARGV[3],
  'created_at', ARGV[4],
  'updated_at', ARGV[5]
)

return 1
`

	// reserveCreditsScript checks and decrements the balance in one step
	reserveCreditsScript = `
local profile_key = KEYS[1]    -- {prefix}:profile:{id}

local minutes = tonumber(ARGV[1])
local updated_at = ARGV[2]

if redis.call('EXISTS', profile_key) == 0 then
  return {-1, 0}
end

local credits = tonumber(redis.call('HGET', profile_key, 'credits_in_minutes') or '0')
if credits < minutes then
  return {0, credits}
end

local remaining = redis.call('HINCRBY', profile_key, 'credits_in_minutes', -minutes)
redis.call('HSET', profile_key, 'updated_at', updated_at)

return {1, remaining}
`

	// addCreditsScript increments the balance (top-up and reservation release)
	addCreditsScript = `
local profile_key = KEYS[1]    -- {prefix}:profile:{id}

local minutes = tonumber(ARGV[1])
local updated_at = ARGV[2]
local max_credits = tonumber(ARGV[3])

if redis.call('EXISTS', profile_key) == 0 then
  return {-1, 0}
end

local credits = tonumber(redis.call('HGET', profile_key, 'credits_in_minutes') or '0')
if minutes > max_credits - credits then
  return {-2, credits}
end

local remaining = redis.call('HINCRBY', profile_key, 'credits_in_minutes', minutes)
redis.call('HSET', profile_key, 'updated_at', updated_at)

return {1, remaining}
`

	// settleCreditsScript decrements the balance, never below zero
	settleCreditsScript = `
local profile_key = KEYS[1]    -- {prefix}:profile:{id}

local minutes = tonumber(ARGV[1])
local updated_at = ARGV[2]

if redis.call('EXISTS', profile_key) == 0 then
  return {-1, 0}
end

local credits = tonumber(redis.call('HGET', profile_key, 'credits_in_minutes') or '0')
local remaining = credits - minutes
if remaining < 0 then
  remaining = 0
end

redis.call('HSET', profile_key,
  'credits_in_minutes', remaining,
  'updated_at', updated_at
)

return {1, remaining}
`

	// createSessionScript stores a session and its indexes
	createSessionScript = `
local session_key = KEYS[1]    -- {prefix}:session:{id}
local user_set = KEYS[2]       -- {prefix}:sessions:user:{userID}
local active_set = KEYS[3]     -- {prefix}:sessions:active (scored by end time, unix us)

local session_id = ARGV[1]
local status = ARGV[11]
local end_score = tonumber(ARGV[13])

if redis.call('EXISTS', session_key) == 1 then
  return 0
end

redis.call('HSET', session_key,
  'id', session_id,
  'user_id', ARGV[2],
  'avatar_id', ARGV[3],
  'voice_id', ARGV[4],
  'context_id', ARGV[5],
  'vendor_session_id', ARGV[6],
  'session_token', ARGV[7],
  'duration_minutes', ARGV[8],
  'start_time', ARGV[9],
  'end_time', ARGV[10],
  'status', status,
  'created_at', ARGV[12]
)

redis.call('SADD', user_set, session_id)
if status == 'active' then
  redis.call('ZADD', active_set, end_score, session_id)
end

return 1
`

	// finalizeSessionScript moves an active session to a terminal status.
	// Returns -1 when missing, 0 when no longer active, 1 when applied.
	finalizeSessionScript = `
local session_key = KEYS[1]    -- {prefix}:session:{id}
local active_set = KEYS[2]     -- {prefix}:sessions:active

local session_id = ARGV[1]
local status = ARGV[2]
local minutes_used = ARGV[3]
local ended_at = ARGV[4]

if redis.call('EXISTS', session_key) == 0 then
  return -1
end

if redis.call('HGET', session_key, 'status') ~= 'active' then
  return 0
end

redis.call('HSET', session_key,
  'status', status,
  'minutes_used', minutes_used,
  'ended_at', ended_at
)
redis.call('ZREM', active_set, session_id)

return 1
`

	// insertPaymentScript records a payment once per reference
	insertPaymentScript = `
local payment_key = KEYS[1]    -- {prefix}:payment:{reference}
local user_set = KEYS[2]       -- {prefix}:payments:user:{userID}

local reference = ARGV[5]

if redis.call('EXISTS', payment_key) == 1 then
  return 0
end

redis.call('HSET', payment_key,
  'id', ARGV[1],
  'user_id', ARGV[2],
  'package_minutes', ARGV[3],
  'amount_eur', ARGV[4],
  'payment_reference', reference,
  'created_at', ARGV[6]
)
redis.call('SADD', user_set, reference)

return 1
`
)
