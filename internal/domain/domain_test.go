package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuotaExceededMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("create: %w", &QuotaExceededError{Usage: Usage{Tier: "free", Used: 3, Limit: 3}})

	assert.ErrorIs(t, err, ErrQuotaExceeded)
	var qe *QuotaExceededError
	assert.True(t, errors.As(err, &qe))
	assert.Equal(t, 0, qe.Usage.Remaining())
	assert.Contains(t, err.Error(), "3/3")
}

func TestAsDeliveryError(t *testing.T) {
	assert.Nil(t, AsDeliveryError(nil))

	de := AsDeliveryError(context.DeadlineExceeded)
	assert.Equal(t, ReasonUnreachable, de.Reason)
	assert.ErrorIs(t, de, context.DeadlineExceeded)

	orig := &DeliveryError{Reason: ReasonForbidden, Err: errors.New("bot was kicked")}
	assert.Same(t, orig, AsDeliveryError(fmt.Errorf("send: %w", orig)))
	assert.Equal(t, "forbidden: bot was kicked", orig.Error())
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want PostState
		ok   bool
	}{
		{"scheduled", StateScheduled, true},
		{" Published ", StatePublished, true},
		{"FAILED", StateFailed, true},
		{"cancelled", StateCancelled, true},
		{"all", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseState(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestContentEmpty(t *testing.T) {
	assert.True(t, Content{Text: "  \n"}.Empty())
	assert.False(t, Content{MediaRef: "AgAD", MediaKind: MediaPhoto}.Empty())
	assert.False(t, Content{Text: "hi"}.Empty())
}

func TestContentLength(t *testing.T) {
	assert.NoError(t, Content{Text: strings.Repeat("ж", MaxTextLength)}.CheckLength())

	err := Content{Text: strings.Repeat("ж", MaxTextLength+1)}.CheckLength()
	assert.ErrorIs(t, err, ErrContentTooLong)
	var tl *ContentTooLongError
	assert.True(t, errors.As(err, &tl))
	assert.Equal(t, MaxTextLength+1, tl.Length)
	assert.False(t, tl.Caption)

	caption := Content{Text: strings.Repeat("c", MaxCaptionLength+1), MediaRef: "AgAD", MediaKind: MediaPhoto}
	assert.Equal(t, MaxCaptionLength, caption.TextLimit())
	assert.EqualError(t, caption.CheckLength(), "post caption too long: 1025 characters, limit 1024")
}
