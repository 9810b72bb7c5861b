package constant

// Message types are free-form tags; these are the ones the clients send today.
const (
	MsgTypeText   = "text"
	MsgTypeImage  = "image"
	MsgTypeAudio  = "audio"
	MsgTypeVideo  = "video"
	MsgTypeFile   = "file"
	MsgTypeCustom = "custom"
)

// Online status
const (
	StatusOffline = 0
	StatusOnline  = 1
)

// Platform Ids
const (
	PlatformIdUnknown = 0
	PlatformIdIOS     = 1
	PlatformIdAndroid = 2
	PlatformIdWindows = 3
	PlatformIdMacOS   = 4
	PlatformIdWeb     = 5
)

// PlatformIdToName converts platform Id to name
func PlatformIdToName(platformId int) string {
	switch platformId {
	case PlatformIdIOS:
		return "iOS"
	case PlatformIdAndroid:
		return "Android"
	case PlatformIdWindows:
		return "Windows"
	case PlatformIdMacOS:
		return "macOS"
	case PlatformIdWeb:
		return "Web"
	default:
		return "Unknown"
	}
}

// PairConversationPrefix prefixes the canonical key of a two-party conversation.
const PairConversationPrefix = "dm_"

// Redis key patterns (without prefix, use RedisKey() to get full key)
const (
	redisKeyToken      = "token:%s:%d" // token:{user_id}:{platform_id}
	redisKeyOnline     = "online:%s"   // online:{user_id}
	redisKeyBlockedSet = "blocked:%s"  // blocked:{user_id}
	redisKeyEvents     = "events"      // change-event pub/sub channel
)

// redisKeyPrefix is the global prefix for all Redis keys
var redisKeyPrefix = "parley:"

// InitRedisKeyPrefix initializes the Redis key prefix from config
func InitRedisKeyPrefix(prefix string) {
	if prefix != "" {
		redisKeyPrefix = prefix
	}
}

// GetRedisKeyPrefix returns the current Redis key prefix
func GetRedisKeyPrefix() string {
	return redisKeyPrefix
}

// Redis key getters with prefix
func RedisKeyToken() string      { return redisKeyPrefix + redisKeyToken }
func RedisKeyOnline() string     { return redisKeyPrefix + redisKeyOnline }
func RedisKeyBlockedSet() string { return redisKeyPrefix + redisKeyBlockedSet }
func RedisKeyEvents() string     { return redisKeyPrefix + redisKeyEvents }
