package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/h2non/filetype"
	tele "gopkg.in/telebot.v4"

	"postbot/internal/domain"
)

// Deliver publishes content to a channel as a single message, so a post is
// either delivered whole or not at all. Errors are *domain.DeliveryError.
func (a *Adapter) Deliver(ctx context.Context, chatID int64, content domain.Content) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return &domain.DeliveryError{Reason: domain.ReasonUnreachable, Err: err}
	}

	what, err := payload(content)
	if err != nil {
		return &domain.DeliveryError{Reason: domain.ReasonRejected, Err: err}
	}

	chat := &tele.Chat{ID: chatID}
	if _, err := call(ctx, func() (*tele.Message, error) { return a.bot.Send(chat, what) }); err != nil {
		return classify(err)
	}
	return nil
}

// payload builds the telebot value for content. MediaRef is a Telegram
// file id unless it names an existing local file; local files are sent by
// what they actually contain.
func payload(c domain.Content) (any, error) {
	if err := c.CheckLength(); err != nil {
		return nil, err
	}
	if c.MediaRef == "" {
		if strings.TrimSpace(c.Text) == "" {
			return nil, domain.ErrEmptyContent
		}
		return c.Text, nil
	}

	kind := c.MediaKind
	file := tele.File{FileID: c.MediaRef}
	if st, err := os.Stat(c.MediaRef); err == nil && st.Mode().IsRegular() {
		detected, err := DetectMediaKind(c.MediaRef)
		if err != nil {
			return nil, err
		}
		kind = detected
		file = tele.FromDisk(c.MediaRef)
	}

	switch kind {
	case domain.MediaPhoto:
		return &tele.Photo{File: file, Caption: c.Text}, nil
	case domain.MediaVideo:
		return &tele.Video{File: file, Caption: c.Text}, nil
	case domain.MediaDocument:
		return &tele.Document{File: file, Caption: c.Text}, nil
	}
	return nil, fmt.Errorf("unsupported media kind %q", kind)
}

// DetectMediaKind sniffs a local file's header. Images become photos,
// videos stay videos and everything else is sent as a document.
func DetectMediaKind(path string) (domain.MediaKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.MediaNone, err
	}
	defer f.Close()

	head := make([]byte, 261)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return domain.MediaNone, err
	}
	head = head[:n]
	switch {
	case filetype.IsImage(head):
		return domain.MediaPhoto, nil
	case filetype.IsVideo(head):
		return domain.MediaVideo, nil
	}
	return domain.MediaDocument, nil
}

// classify maps a Telegram API error onto a delivery reason:
// 403 and missing rights are forbidden, a missing chat, network trouble and
// flood control are unreachable, any other 400 is rejected.
func classify(err error) *domain.DeliveryError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &domain.DeliveryError{Reason: domain.ReasonUnreachable, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &domain.DeliveryError{Reason: domain.ReasonUnreachable, Err: err}
	}

	code := 0
	var terr *tele.Error
	if errors.As(err, &terr) {
		code = terr.Code
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "retry after"),
		code == 429, code >= 500:
		return &domain.DeliveryError{Reason: domain.ReasonUnreachable, Err: err}
	case code == 403,
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "have no rights"),
		strings.Contains(msg, "bot is not a member"):
		return &domain.DeliveryError{Reason: domain.ReasonForbidden, Err: err}
	case code == 400, strings.Contains(msg, "bad request"):
		return &domain.DeliveryError{Reason: domain.ReasonRejected, Err: err}
	}
	return &domain.DeliveryError{Reason: domain.ReasonUnreachable, Err: err}
}
