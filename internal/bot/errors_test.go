package bot

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/domain"
	kit "postbot/internal/transport"
)

func userMessage(t *testing.T, err error) string {
	t.Helper()
	var ue interface{ UserMessage() string }
	require.True(t, errors.As(err, &ue), "no user message on %v", err)
	return ue.UserMessage()
}

func TestExplainKnownErrors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("create: %w", &domain.QuotaExceededError{Usage: domain.Usage{Tier: "free", Used: 3, Limit: 3}}), "3/3 on the free plan"},
		{domain.ErrInvalidChannel, "not available"},
		{domain.ErrChannelLimit, "channel limit"},
		{domain.ErrChannelTaken, "another user"},
		{domain.ErrAlreadyTerminal, "already published"},
		{domain.ErrFireTimeInPast, "in the past"},
		{domain.ErrNotReady, "starting up"},
		{kit.ErrBotNotAdmin, "as an administrator"},
		{kit.ErrUserNotAdmin, "Only administrators"},
		{kit.ErrBadChannelRef, "@username"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got := explain(tt.err)
			assert.Contains(t, userMessage(t, got), tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestExplainPassesUnknownErrorsThrough(t *testing.T) {
	assert.NoError(t, explain(nil))

	boom := errors.New("disk on fire")
	assert.Same(t, boom, explain(boom))

	ue := userError("pick %d", 1)
	assert.Same(t, ue, explain(ue))
	assert.Equal(t, "pick 1", ue.Error())
}
