package bot

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postbot/internal/domain"
	"postbot/internal/notifier/broadcast"
	"postbot/internal/posting"
	"postbot/internal/quota"
	"postbot/internal/session"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
)

type sentMsg struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu     sync.Mutex
	sent   []sentMsg
	edited []string
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, text)
	return nil
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error      { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) last() sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMsg{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) lastEdit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edited) == 0 {
		return ""
	}
	return f.edited[len(f.edited)-1]
}

type fakeVerifier struct {
	rightsErr error
}

func (v *fakeVerifier) ResolveChannel(_ context.Context, ref string) (kit.ChannelInfo, error) {
	if !strings.HasPrefix(ref, "@") {
		return kit.ChannelInfo{}, kit.ErrBadChannelRef
	}
	name := strings.TrimPrefix(ref, "@")
	return kit.ChannelInfo{ID: -1000 - int64(len(name)), Username: name, Title: strings.ToUpper(name), Type: "channel"}, nil
}

func (v *fakeVerifier) CheckPostingRights(context.Context, int64, int64) error { return v.rightsErr }

// stubTimeline records registrations without firing anything.
type stubTimeline struct {
	mu  sync.Mutex
	ids map[domain.PostID]time.Time
}

func (s *stubTimeline) Register(id domain.PostID, at time.Time) {
	s.mu.Lock()
	s.ids[id] = at
	s.mu.Unlock()
}

func (s *stubTimeline) Cancel(id domain.PostID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	delete(s.ids, id)
	return ok
}

func (s *stubTimeline) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *stubTimeline) Start(context.Context)      {}
func (s *stubTimeline) Stop(context.Context) error { return nil }

type fakeBroadcaster struct {
	jobs []broadcast.Job
}

func (f *fakeBroadcaster) Submit(j broadcast.Job) (string, error) {
	if len(j.Targets) == 0 {
		return "", broadcast.ErrNoTargets
	}
	f.jobs = append(f.jobs, j)
	return "job-1", nil
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

const (
	userID  = int64(100)
	adminID = int64(900)
)

type harness struct {
	bot      *Bot
	ad       *fakeAdapter
	svc      *posting.Service
	sessions *session.Memory
	verifier *fakeVerifier
	bcast    *fakeBroadcaster
	timeline *stubTimeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storage.NewMemory()
	tl := &stubTimeline{ids: map[domain.PostID]time.Time{}}
	svc := posting.New(posting.Config{}, posting.Deps{
		Store:     st,
		Ledger:    quota.New(st, time.UTC, logx.Nop()),
		Scheduler: tl,
		Location:  time.UTC,
	})
	svc.SetAdmins([]int64{adminID})
	require.NoError(t, svc.Initialize(context.Background()))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	h := &harness{
		ad:       &fakeAdapter{},
		svc:      svc,
		sessions: session.NewMemory(time.Hour),
		verifier: &fakeVerifier{},
		bcast:    &fakeBroadcaster{},
		timeline: tl,
	}
	h.bot = New(Config{PageSize: 2, Support: "@support"}, Deps{
		Posting:   svc,
		Sessions:  h.sessions,
		Channels:  h.verifier,
		Broadcast: h.bcast,
		Location:  time.UTC,
		Logger:    logx.Nop(),
	})
	return h
}

func (h *harness) req(from int64, text string) *router.Request {
	fields := strings.Fields(text)
	var args []string
	if len(fields) > 1 {
		args = fields[1:]
	}
	return &router.Request{
		Update:    kit.Update{Kind: kit.UpdateMessage},
		Message:   &kit.Message{ChatID: from, FromID: from, FromName: "Test User", Text: text, IsPrivate: true},
		Chat:      kit.ChatTarget{ChatID: from},
		FromID:    from,
		Args:      args,
		Flags:     map[string]string{},
		BoolFlags: map[string]bool{},
		Admin:     from == adminID,
		Adapter:   h.ad,
		Logger:    logx.Nop(),
	}
}

func (h *harness) callback(from int64, payload string) *router.Request {
	return &router.Request{
		Update:  kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb", FromID: from, ChatID: from, MessageID: 7}},
		Chat:    kit.ChatTarget{ChatID: from},
		FromID:  from,
		Payload: payload,
		Admin:   from == adminID,
		Adapter: h.ad,
		Logger:  logx.Nop(),
	}
}

func (h *harness) addChannel(t *testing.T, from int64, ref string) {
	t.Helper()
	require.NoError(t, h.bot.cmdAddChannel(context.Background(), h.req(from, "/addchannel "+ref)))
}

func TestStartRegistersUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.bot.cmdStart(ctx, h.req(userID, "/start")))
	text := h.ad.last().text
	assert.Contains(t, text, "Hello, Test User!")
	assert.Contains(t, text, "FREE")
	assert.NotContains(t, text, "/broadcast")

	require.NoError(t, h.bot.cmdStart(ctx, h.req(adminID, "/start")))
	assert.Contains(t, h.ad.last().text, "/broadcast")

	users, err := h.svc.Users(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestTariffsListsEveryTier(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bot.cmdTariffs(context.Background(), h.req(userID, "/tariffs")))
	text := h.ad.last().text
	for _, tier := range []string{"FREE", "STANDARD", "VIP", "$5.00 / month", "@support"} {
		assert.Contains(t, text, tier)
	}
}

func TestAddChannelChecksRights(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.bot.cmdAddChannel(ctx, h.req(userID, "/addchannel daily"))
	assert.Contains(t, userMessage(t, err), "@username")

	h.verifier.rightsErr = kit.ErrBotNotAdmin
	err = h.bot.cmdAddChannel(ctx, h.req(userID, "/addchannel @daily"))
	assert.ErrorIs(t, err, kit.ErrBotNotAdmin)

	h.verifier.rightsErr = nil
	h.addChannel(t, userID, "@daily")
	assert.Contains(t, h.ad.last().text, "DAILY (@daily) linked")

	// free tier allows one channel
	err = h.bot.cmdAddChannel(ctx, h.req(userID, "/addchannel @weekly"))
	assert.ErrorIs(t, err, domain.ErrChannelLimit)

	require.NoError(t, h.bot.cmdMyChannels(ctx, h.req(userID, "/mychannels")))
	assert.Contains(t, h.ad.last().text, "@daily")
}

func TestNewPostRequiresChannel(t *testing.T) {
	h := newHarness(t)
	err := h.bot.cmdNewPost(context.Background(), h.req(userID, "/newpost"))
	assert.Contains(t, userMessage(t, err), "Link a channel first")

	_, ok, _ := h.sessions.Get(context.Background(), userID)
	assert.False(t, ok)
}

func TestComposeAndScheduleDialog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addChannel(t, userID, "@daily")

	require.NoError(t, h.bot.cmdNewPost(ctx, h.req(userID, "/newpost")))
	assert.Contains(t, h.ad.last().text, "Posts left today: 3 of 3")

	// /done before any content is refused
	err := h.bot.cmdDone(ctx, h.req(userID, "/done"))
	assert.Contains(t, userMessage(t, err), "still empty")

	require.NoError(t, h.bot.HandleMessage(ctx, h.req(userID, "Hello")))
	require.NoError(t, h.bot.HandleMessage(ctx, h.req(userID, "World")))
	require.NoError(t, h.bot.cmdDone(ctx, h.req(userID, "/done")))
	assert.Contains(t, h.ad.last().text, "When should it be published?")

	err = h.bot.HandleMessage(ctx, h.req(userID, "someday"))
	assert.Contains(t, userMessage(t, err), "could not read")

	require.NoError(t, h.bot.HandleMessage(ctx, h.req(userID, "+2h")))
	last := h.ad.last()
	assert.Contains(t, last.text, "Which channel?")
	require.NotNil(t, last.opt)
	assert.NotNil(t, last.opt.ReplyMarkupAdapter)

	err = h.bot.HandleMessage(ctx, h.req(userID, "5"))
	assert.Contains(t, userMessage(t, err), "listed channels")

	require.NoError(t, h.bot.HandleMessage(ctx, h.req(userID, "1")))
	assert.Contains(t, h.ad.last().text, "scheduled")

	_, ok, err := h.sessions.Get(ctx, userID)
	require.NoError(t, err)
	assert.False(t, ok, "draft must be cleared")

	posts, err := h.svc.ListPosts(ctx, userID)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "Hello\n\nWorld", posts[0].Content.Text)
	assert.Equal(t, domain.StateScheduled, posts[0].State)
	assert.Equal(t, 1, h.timeline.Pending())
}

func TestDoneRefusesTextThatDoesNotFitOneMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addChannel(t, userID, "@daily")

	require.NoError(t, h.bot.cmdNewPost(ctx, h.req(userID, "/newpost")))
	require.NoError(t, h.bot.HandleMessage(ctx, h.req(userID, strings.Repeat("a", 3000))))
	require.NoError(t, h.bot.HandleMessage(ctx, h.req(userID, strings.Repeat("b", 1200))))

	err := h.bot.cmdDone(ctx, h.req(userID, "/done"))
	assert.ErrorIs(t, err, domain.ErrContentTooLong)
	assert.Contains(t, userMessage(t, err), "Posts are limited to 4096 characters; yours has 4202")

	d, ok, err := h.sessions.Get(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, session.StepContent, d.Step, "draft stays in composing")
}

func TestDraftChannelCallbackWithMedia(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addChannel(t, userID, "@daily")
	chans, err := h.svc.Channels(ctx, userID)
	require.NoError(t, err)
	require.Len(t, chans, 1)

	require.NoError(t, h.bot.cmdNewPost(ctx, h.req(userID, "/newpost")))
	photo := h.req(userID, "caption")
	photo.Message.Media = kit.Media{Kind: kit.MediaPhoto, FileID: "AgADphoto"}
	require.NoError(t, h.bot.HandleMessage(ctx, photo))
	assert.Contains(t, h.ad.last().text, "Media attached")
	require.NoError(t, h.bot.cmdDone(ctx, h.req(userID, "/done")))
	require.NoError(t, h.bot.HandleMessage(ctx, h.req(userID, "+1d")))

	err = h.bot.cbDraftChannel(ctx, h.callback(userID, "999"), "999")
	assert.ErrorIs(t, err, domain.ErrInvalidChannel)
	_, ok, _ := h.sessions.Get(ctx, userID)
	assert.True(t, ok, "unknown channel keeps the draft")

	payload := formatID(chans[0].ID)
	require.NoError(t, h.bot.cbDraftChannel(ctx, h.callback(userID, payload), payload))

	posts, err := h.svc.ListPosts(ctx, userID)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, domain.MediaPhoto, posts[0].Content.MediaKind)
	assert.Equal(t, "AgADphoto", posts[0].Content.MediaRef)
	assert.Equal(t, "caption", posts[0].Content.Text)
}

func TestCancelDropsDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addChannel(t, userID, "@daily")

	require.NoError(t, h.bot.cmdCancel(ctx, h.req(userID, "/cancel")))
	assert.Contains(t, h.ad.last().text, "no draft")

	require.NoError(t, h.bot.cmdNewPost(ctx, h.req(userID, "/newpost")))
	require.NoError(t, h.bot.cmdCancel(ctx, h.req(userID, "/cancel")))
	assert.Contains(t, h.ad.last().text, "Draft dropped")

	require.NoError(t, h.bot.HandleMessage(ctx, h.req(userID, "stray text")))
	assert.Contains(t, h.ad.last().text, "/newpost")
}

func (h *harness) schedule(t *testing.T, text string, at time.Time) domain.PostID {
	t.Helper()
	ctx := context.Background()
	chans, err := h.svc.Channels(ctx, userID)
	require.NoError(t, err)
	require.NotEmpty(t, chans)
	id, err := h.svc.RequestCreate(ctx, userID, chans[0].ID, domain.Content{Text: text}, at)
	require.NoError(t, err)
	return id
}

func TestQuotaStopsNewPost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addChannel(t, userID, "@daily")
	for range 3 {
		h.schedule(t, "x", time.Now().Add(time.Hour))
	}
	err := h.bot.cmdNewPost(ctx, h.req(userID, "/newpost"))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	assert.Contains(t, userMessage(t, err), "3/3")

	require.NoError(t, h.bot.cmdMyPlan(ctx, h.req(userID, "/myplan")))
	assert.Contains(t, h.ad.last().text, "3 of 3 (0 left)")
}

func TestScheduleListingAndPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addChannel(t, userID, "@daily")
	base := time.Now().Add(time.Hour)
	h.schedule(t, "first post", base)
	h.schedule(t, "second post", base.Add(time.Minute))
	third := h.schedule(t, "third post", base.Add(2*time.Minute))
	require.NoError(t, h.svc.RequestCancel(ctx, userID, third))

	require.NoError(t, h.bot.cmdSchedule(ctx, h.req(userID, "/schedule")))
	text := h.ad.last().text
	assert.Contains(t, text, "first post")
	assert.Contains(t, text, "second post")
	assert.NotContains(t, text, "third post")

	require.NoError(t, h.bot.cmdSchedule(ctx, h.req(userID, "/schedule cancelled")))
	assert.Contains(t, h.ad.last().text, "third post")

	require.NoError(t, h.bot.cmdSchedule(ctx, h.req(userID, "/schedule all")))
	last := h.ad.last()
	assert.Contains(t, last.text, "Page 1/2")
	require.NotNil(t, last.opt.ReplyMarkupAdapter)

	data := scheduleData("all", 1)
	payload := strings.TrimPrefix(data, nsSchedule+":page:")
	require.NoError(t, h.bot.cbSchedulePage(ctx, h.callback(userID, payload), payload))
	assert.Contains(t, h.ad.lastEdit(), "third post")
	assert.Contains(t, h.ad.lastEdit(), "Page 2/2")

	err := h.bot.cmdSchedule(ctx, h.req(userID, "/schedule bogus"))
	assert.Contains(t, userMessage(t, err), "Unknown filter")
}

func TestCancelPostConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addChannel(t, userID, "@daily")
	id := h.schedule(t, "to cancel", time.Now().Add(time.Hour))
	pid := formatID(int64(id))

	require.NoError(t, h.bot.cmdCancelPost(ctx, h.req(userID, "/cancelpost "+pid)))
	assert.Contains(t, h.ad.last().text, "Cancel post #"+pid+"?")

	require.NoError(t, h.bot.cbKeepPost(ctx, h.callback(userID, pid), pid))
	assert.Contains(t, h.ad.lastEdit(), "stays scheduled")

	require.NoError(t, h.bot.cbCancelPost(ctx, h.callback(userID, pid), pid))
	assert.Contains(t, h.ad.lastEdit(), "cancelled")
	assert.Equal(t, 0, h.timeline.Pending())

	// a second press reports the terminal state instead of failing
	require.NoError(t, h.bot.cbCancelPost(ctx, h.callback(userID, pid), pid))
	assert.Contains(t, h.ad.lastEdit(), "already")

	err := h.bot.cmdCancelPost(ctx, h.req(userID, "/cancelpost 424242"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelPostWithYesFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addChannel(t, userID, "@daily")
	id := h.schedule(t, "quick", time.Now().Add(time.Hour))

	req := h.req(userID, "/cancelpost "+formatID(int64(id)))
	req.BoolFlags["y"] = true
	require.NoError(t, h.bot.cmdCancelPost(ctx, req))
	assert.Contains(t, h.ad.last().text, "cancelled")

	posts, err := h.svc.ListPosts(ctx, userID, domain.StateCancelled)
	require.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestRemoveChannelReportsCancelledPosts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addChannel(t, userID, "@daily")
	h.schedule(t, "a", time.Now().Add(time.Hour))
	chans, err := h.svc.Channels(ctx, userID)
	require.NoError(t, err)

	err = h.bot.cmdRemoveChannel(ctx, h.req(userID, "/removechannel abc"))
	assert.Contains(t, userMessage(t, err), "must be a number")

	require.NoError(t, h.bot.cmdRemoveChannel(ctx, h.req(userID, "/removechannel "+formatID(chans[0].ID))))
	assert.Contains(t, h.ad.last().text, "1 scheduled post(s) were cancelled")
}

func TestAdminCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.bot.cmdStart(ctx, h.req(userID, "/start")))
	require.NoError(t, h.bot.cmdStart(ctx, h.req(adminID, "/start")))

	require.NoError(t, h.bot.cmdStats(ctx, h.req(adminID, "/stats")))
	assert.Contains(t, h.ad.last().text, "Users")

	require.NoError(t, h.bot.cmdUsers(ctx, h.req(adminID, "/users 5")))
	assert.Contains(t, h.ad.last().text, "Test User")

	require.NoError(t, h.bot.cmdSetTier(ctx, h.req(adminID, "/settier 100 VIP")))
	assert.Contains(t, h.ad.last().text, "moved to VIP")
	plan, err := h.svc.Plan(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "vip", plan.Tier.Name)

	err = h.bot.cmdSetTier(ctx, h.req(adminID, "/settier 100 platinum"))
	assert.Contains(t, userMessage(t, err), "Unknown user or plan")

	err = h.bot.cmdSetTier(ctx, h.req(userID, "/settier 100 vip"))
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestBroadcastQueuesJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.bot.cmdStart(ctx, h.req(userID, "/start")))
	require.NoError(t, h.bot.cmdStart(ctx, h.req(adminID, "/start")))

	err := h.bot.cmdBroadcast(ctx, h.req(adminID, "/broadcast"))
	assert.Contains(t, userMessage(t, err), "Usage")

	req := h.req(adminID, "/broadcast Maintenance tonight\nat 23:00")
	require.NoError(t, h.bot.cmdBroadcast(ctx, req))
	require.Len(t, h.bcast.jobs, 1)
	job := h.bcast.jobs[0]
	assert.Equal(t, "Maintenance tonight\nat 23:00", job.Text)
	assert.Len(t, job.Targets, 2)
	assert.Contains(t, h.ad.last().text, "queued for 2 users")

	job.OnDone(ctx, broadcast.JobStatus{ID: "job-1", Total: 2, Done: 2, Failed: 1})
	last := h.ad.last()
	assert.Equal(t, adminID, last.to.ChatID)
	assert.Contains(t, last.text, "1 delivered, 1 failed")
}
