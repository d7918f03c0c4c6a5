package threat_test

import (
	"testing"
	"time"

	"github.com/lavente-care/auth-core/internal/threat"
	"github.com/stretchr/testify/require"
)

func newTestController() *threat.Controller {
	return threat.New(threat.Config{
		MaxFailedAttempts:           3,
		LockoutDuration:             time.Minute,
		BruteForceWindow:            time.Minute,
		IPBlockDuration:             time.Minute,
		SuspiciousActivityThreshold: 5,
		EnableAutoLockout:           true,
		EnableIPBlocking:            true,
	})
}

func TestController_LocksAccountAfterMaxAttempts(t *testing.T) {
	c := newTestController()

	for i := 0; i < 3; i++ {
		c.RecordFailedAttempt("user-1", "10.0.0.1", "agent")
	}

	require.True(t, c.IsAccountLocked("user-1"))
}

func TestController_AccountNotLockedBelowThreshold(t *testing.T) {
	c := newTestController()

	c.RecordFailedAttempt("user-2", "10.0.0.2", "agent")
	require.False(t, c.IsAccountLocked("user-2"))
}

func TestController_SuccessfulAuthClearsLockout(t *testing.T) {
	c := newTestController()

	for i := 0; i < 3; i++ {
		c.RecordFailedAttempt("user-3", "10.0.0.3", "agent")
	}
	require.True(t, c.IsAccountLocked("user-3"))

	c.RecordSuccessfulAuth("user-3", "10.0.0.3")
	require.False(t, c.IsAccountLocked("user-3"))
}

func TestController_IPBlockedAfterManyAttemptsAcrossUsers(t *testing.T) {
	c := newTestController()

	users := []string{"user-a", "user-b", "user-c"}
	for i := 0; i < 10; i++ {
		c.RecordFailedAttempt(users[i%len(users)], "10.0.0.9", "agent")
	}

	require.True(t, c.IsIPBlocked("10.0.0.9"))
}

func TestController_RecentEventsNewestFirst(t *testing.T) {
	c := newTestController()

	c.RecordFailedAttempt("user-4", "10.0.0.4", "agent")
	c.RecordFailedAttempt("user-4", "10.0.0.4", "agent")

	events := c.RecentEvents(2)
	require.Len(t, events, 2)
	require.True(t, events[0].ID > events[1].ID)
}

func TestController_CleanupEvictsExpiredLockout(t *testing.T) {
	c := threat.New(threat.Config{
		MaxFailedAttempts: 1,
		LockoutDuration:   time.Millisecond,
		EnableAutoLockout: true,
	})

	c.RecordFailedAttempt("user-5", "10.0.0.5", "agent")
	require.True(t, c.IsAccountLocked("user-5"))

	time.Sleep(5 * time.Millisecond)
	c.Cleanup()
	require.False(t, c.IsAccountLocked("user-5"))
}
