package consts

const (
	TokenBlacklistKey = "auth:token:blacklist:"
	UserLastSeenKey   = "user:last_seen:"
)
