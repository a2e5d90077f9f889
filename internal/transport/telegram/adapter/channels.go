package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/domain"
	kit "postbot/internal/transport"
)

// parseChannelRef accepts "@name", "t.me/name", "https://t.me/name" or a
// numeric chat id.
func parseChannelRef(ref string) (username string, id int64, err error) {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "https://")
	ref = strings.TrimPrefix(ref, "http://")
	ref = strings.TrimPrefix(ref, "t.me/")
	if ref == "" {
		return "", 0, kit.ErrBadChannelRef
	}
	if n, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		return "", n, nil
	}
	name := strings.TrimPrefix(ref, "@")
	if name == "" || strings.ContainsAny(name, " /") {
		return "", 0, kit.ErrBadChannelRef
	}
	return "@" + name, 0, nil
}

func (a *Adapter) ResolveChannel(ctx context.Context, ref string) (kit.ChannelInfo, error) {
	username, id, err := parseChannelRef(ref)
	if err != nil {
		return kit.ChannelInfo{}, err
	}
	chat, err := call(ctx, func() (*tele.Chat, error) {
		if username != "" {
			return a.bot.ChatByUsername(username)
		}
		return a.bot.ChatByID(id)
	})
	if err != nil {
		return kit.ChannelInfo{}, fmt.Errorf("resolve %s: %w", ref, domain.ErrInvalidChannel)
	}
	if chat.Type != tele.ChatChannel && chat.Type != tele.ChatChannelPrivate {
		return kit.ChannelInfo{}, kit.ErrNotChannel
	}
	return kit.ChannelInfo{ID: chat.ID, Username: chat.Username, Title: chat.Title, Type: string(chat.Type)}, nil
}

// CheckPostingRights requires the bot to be an administrator allowed to
// post and the user to be the creator or an administrator.
func (a *Adapter) CheckPostingRights(ctx context.Context, chatID, userID int64) error {
	chat := &tele.Chat{ID: chatID}

	me, err := call(ctx, func() (*tele.ChatMember, error) { return a.bot.ChatMemberOf(chat, a.bot.Me) })
	if err != nil {
		return classify(err)
	}
	if !botCanPost(me) {
		return kit.ErrBotNotAdmin
	}

	member, err := call(ctx, func() (*tele.ChatMember, error) { return a.bot.ChatMemberOf(chat, &tele.User{ID: userID}) })
	if err != nil {
		return classify(err)
	}
	if member.Role != tele.Creator && member.Role != tele.Administrator {
		return kit.ErrUserNotAdmin
	}
	return nil
}

func botCanPost(m *tele.ChatMember) bool {
	switch m.Role {
	case tele.Creator:
		return true
	case tele.Administrator:
		return m.Rights.CanPostMessages
	}
	return false
}
