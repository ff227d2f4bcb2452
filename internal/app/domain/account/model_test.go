package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransact(t *testing.T) {
	now := time.Now().UTC()

	assert.True(t, Account{IsActive: true}.CanTransact())
	assert.False(t, Account{IsActive: false}.CanTransact(), "inactive account")
	assert.False(t, Account{IsActive: true, BlockedAt: &now}.CanTransact(), "blocked account")
	assert.False(t, Account{IsActive: true, LockedAt: &now}.CanTransact(), "locked account")
}

func TestIdentity(t *testing.T) {
	acct := Account{ID: 7, Name: "Alice", Email: "alice@example.com"}
	id := acct.Identity()
	assert.Equal(t, Identity{ID: 7, Name: "Alice", Email: "alice@example.com"}, id)
}
