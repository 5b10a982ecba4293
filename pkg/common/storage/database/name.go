package database

// MongoDB集合名
const (
	AccountName       = "account"
	GroupUserName     = "group_user"
	GroupKeysName     = "group_keys"
	StoredMessageName = "stored_message"
	FriendEventName   = "friend_event"
	CounterName       = "counter"
)
