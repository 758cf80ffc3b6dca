package telegram

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wisbric/opswatch/pkg/messaging"
)

func TestClassifyPlatformErrors(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"Bad Request: message is not modified: specified new message content", messaging.ErrNotModified},
		{"Bad Request: message to edit not found", messaging.ErrMessageNotFound},
		{"Bad Request: message to delete not found", messaging.ErrMessageNotFound},
		{"Bad Request: chat not found", messaging.ErrChatUnavailable},
		{"Bad Request: chat_id is empty", messaging.ErrChatUnavailable},
	}
	for _, tt := range tests {
		got := classify(errors.New(tt.msg))
		require.ErrorIs(t, got, tt.want, "input %q", tt.msg)
	}

	// Unknown errors pass through wrapped, not swallowed.
	other := classify(errors.New("Too Many Requests: retry after 5"))
	require.Error(t, other)
	require.NotErrorIs(t, other, messaging.ErrNotModified)

	require.NoError(t, classify(nil))
}

func TestCallbackDataRoundTrip(t *testing.T) {
	data := EncodeCallbackData("take", "501")
	action, subject, err := parseCallbackData(data)
	require.NoError(t, err)
	require.Equal(t, "take", action)
	require.Equal(t, "501", subject)

	// Bare actions (no subject) survive the round trip too.
	action, subject, err = parseCallbackData(EncodeCallbackData("authorize", ""))
	require.NoError(t, err)
	require.Equal(t, "authorize", action)
	require.Empty(t, subject)

	_, _, err = parseCallbackData("")
	require.Error(t, err)
	_, _, err = parseCallbackData(":501")
	require.Error(t, err)
}

func TestTopicIDPtr(t *testing.T) {
	require.Nil(t, topicIDPtr(0), "zero thread id means no topic")
	p := topicIDPtr(7)
	require.NotNil(t, p)
	require.Equal(t, 7, *p)
}
