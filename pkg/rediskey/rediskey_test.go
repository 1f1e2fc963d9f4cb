package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	require.Equal(t, "recur:lock:42", BuildRecurLockKey(42))
	require.Equal(t, "ipn:notification:7", BuildNotificationKey(7))
}
