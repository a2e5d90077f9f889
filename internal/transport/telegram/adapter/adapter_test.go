package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"postbot/internal/domain"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

func TestSplitText(t *testing.T) {
	short := "hello"
	assert.Equal(t, []string{short}, splitText(short, 10, ""))

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	parts := splitText(long, 10, "")
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, parts)

	html := "<b>" + strings.Repeat("x", 5) + "</b><i>tail</i>"
	for _, p := range splitText(html, 12, tele.ModeHTML) {
		assert.Equal(t, strings.Count(p, "<"), strings.Count(p, ">"), p)
	}

	runes := strings.Repeat("я", 25)
	for _, p := range splitText(runes, 10, "") {
		assert.LessOrEqual(t, len([]rune(p)), 10)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.DeliveryReason
	}{
		{"forbidden code", &tele.Error{Code: 403, Description: "Forbidden: bot was kicked from the channel chat"}, domain.ReasonForbidden},
		{"no rights", errors.New("telegram: Bad Request: have no rights to send a message (400)"), domain.ReasonForbidden},
		{"chat not found", errors.New("telegram: Bad Request: chat not found (400)"), domain.ReasonUnreachable},
		{"flood", errors.New("telegram: retry after 14 (429)"), domain.ReasonUnreachable},
		{"bad request", &tele.Error{Code: 400, Description: "Bad Request: message caption is too long"}, domain.ReasonRejected},
		{"timeout", context.DeadlineExceeded, domain.ReasonUnreachable},
		{"unknown", errors.New("EOF"), domain.ReasonUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Reason)
			assert.ErrorIs(t, got, tc.err)
		})
	}
}

func TestParseChannelRef(t *testing.T) {
	cases := []struct {
		in       string
		username string
		id       int64
		ok       bool
	}{
		{"@mychannel", "@mychannel", 0, true},
		{"mychannel", "@mychannel", 0, true},
		{"https://t.me/mychannel", "@mychannel", 0, true},
		{"-1001234567890", "", -1001234567890, true},
		{"", "", 0, false},
		{"@", "", 0, false},
		{"my channel", "", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			u, id, err := parseChannelRef(tc.in)
			if !tc.ok {
				assert.ErrorIs(t, err, kit.ErrBadChannelRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.username, u)
			assert.Equal(t, tc.id, id)
		})
	}
}

func TestDetectMediaKind(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(png, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D}, 0o600))
	txt := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(txt, []byte("plain"), 0o600))

	kind, err := DetectMediaKind(png)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaPhoto, kind)

	kind, err = DetectMediaKind(txt)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaDocument, kind)

	_, err = DetectMediaKind(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestPayload(t *testing.T) {
	v, err := payload(domain.Content{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	v, err = payload(domain.Content{Text: "cap", MediaRef: "AgACAgIAAxkBAAI", MediaKind: domain.MediaVideo})
	require.NoError(t, err)
	vid, ok := v.(*tele.Video)
	require.True(t, ok)
	assert.Equal(t, "AgACAgIAAxkBAAI", vid.FileID)
	assert.Equal(t, "cap", vid.Caption)

	_, err = payload(domain.Content{Text: strings.Repeat("c", domain.MaxCaptionLength+1), MediaRef: "id", MediaKind: domain.MediaPhoto})
	assert.ErrorIs(t, err, domain.ErrContentTooLong)

	_, err = payload(domain.Content{Text: strings.Repeat("t", domain.MaxTextLength+1)})
	assert.ErrorIs(t, err, domain.ErrContentTooLong, "long text is refused, not split")

	_, err = payload(domain.Content{})
	assert.ErrorIs(t, err, domain.ErrEmptyContent)
}

func TestUpdateMenuCommandsSkipsUnchanged(t *testing.T) {
	var hits atomic.Int32
	var got struct {
		Commands []menuCommand `json:"commands"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/setMyCommands"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}))
	defer srv.Close()

	a := &Adapter{cfg: Config{Token: "T", APIURL: srv.URL}, log: logx.Nop(), http: srv.Client()}
	cmds := []kit.BotCommand{{Command: "newpost", Description: "Schedule a post"}, {Command: "myplan"}}

	require.NoError(t, a.UpdateMenuCommands(context.Background(), cmds))
	require.NoError(t, a.UpdateMenuCommands(context.Background(), cmds))
	assert.Equal(t, int32(1), hits.Load())
	require.Len(t, got.Commands, 2)
	assert.Equal(t, "myplan", got.Commands[1].Description)
}
