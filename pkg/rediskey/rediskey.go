package rediskey

import "fmt"

const (
	RecurLockPrefix    = "recur:lock"
	NotificationPrefix = "ipn:notification"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildRecurLockKey returns "recur:lock:{agreementID}"
func BuildRecurLockKey(agreementID int64) string {
	return NamespaceKey(RecurLockPrefix, fmt.Sprint(agreementID))
}

// BuildNotificationKey returns "ipn:notification:{logID}"
func BuildNotificationKey(logID int64) string {
	return NamespaceKey(NotificationPrefix, fmt.Sprint(logID))
}
