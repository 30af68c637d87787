package telegram

import (
	"errors"
	"net/http"
	"strings"

	tele "gopkg.in/telebot.v4"
)

var permanentErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrNotStartedByUser,
}

// classify reports whether err means the chat will never accept messages
// again, and a short reason for logs.
func classify(err error) (permanent bool, reason string) {
	for _, p := range permanentErrors {
		if errors.Is(err, p) {
			return true, p.Error()
		}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusForbidden:
			return true, te.Description
		case te.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(te.Description), "chat not found"):
			return true, te.Description
		case te.Code == http.StatusTooManyRequests:
			return false, "flood"
		}
		return false, te.Description
	}
	if strings.Contains(err.Error(), "Too Many Requests") {
		return false, "flood"
	}
	return false, "transport: " + err.Error()
}

// apiError reports whether Telegram answered at all (as opposed to a network failure).
func apiError(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) {
		return true
	}
	for _, p := range permanentErrors {
		if errors.Is(err, p) {
			return true
		}
	}
	return strings.Contains(err.Error(), "Too Many Requests")
}
