package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"subwatch/internal/transport"
	logx "subwatch/pkg/logx"
)

func TestSplitTextShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 10))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10)
	require.Len(t, got, 2)
	assert.Equal(t, strings.Repeat("a", 6), got[0])
	assert.Equal(t, strings.Repeat("b", 6), got[1])
}

func TestSplitTextAvoidsOpenTag(t *testing.T) {
	s := "abcdef<b>xyz</b>"
	got := splitText(s, 8)
	require.NotEmpty(t, got)
	assert.Equal(t, "abcdef", got[0])
	assert.Equal(t, s, strings.Join(got, ""))
}

func TestSplitTextRespectsLimit(t *testing.T) {
	s := strings.Repeat("x", 25)
	for _, chunk := range splitText(s, 10) {
		assert.LessOrEqual(t, len([]rune(chunk)), 10)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
		api       bool
	}{
		{"blocked", tele.ErrBlockedByUser, true, true},
		{"wrapped not found", fmt.Errorf("send: %w", tele.ErrChatNotFound), true, true},
		{"forbidden", &tele.Error{Code: 403, Description: "Forbidden: bot was kicked"}, true, true},
		{"bad request chat", &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, true, true},
		{"bad request other", &tele.Error{Code: 400, Description: "Bad Request: message is too long"}, false, true},
		{"flood", &tele.Error{Code: 429, Description: "Too Many Requests: retry after 3"}, false, true},
		{"network", errors.New("dial tcp: i/o timeout"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			permanent, reason := classify(tt.err)
			assert.Equal(t, tt.permanent, permanent)
			assert.NotEmpty(t, reason)
			assert.Equal(t, tt.api, apiError(tt.err))
		})
	}
}

func TestMenuCommands(t *testing.T) {
	cmds := []transport.BotCommand{
		{Command: "/subscribe", Description: "follow a class"},
		{Command: ""},
		{Command: "status"},
	}
	got := menuCommands(cmds)
	require.Len(t, got, 2)
	assert.Equal(t, "subscribe", got[0].Text)
	assert.Equal(t, "status", got[1].Description)
	assert.Equal(t, menuHash(cmds), menuHash(cmds))
	assert.NotEqual(t, menuHash(cmds), menuHash(cmds[:1]))
}

func TestNewProviderRequiresToken(t *testing.T) {
	_, err := NewProvider(Config{}, logx.Nop())
	assert.Error(t, err)

	p, err := NewProvider(Config{Token: "1:abc"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 25, p.cfg.RatePerSec)
}
