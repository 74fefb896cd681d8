package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/github"
	"github.com/user/sentinel/internal/report"
	"github.com/user/sentinel/internal/scheduler"
	"github.com/user/sentinel/internal/storage"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.msgs = append(f.msgs, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.Text
	}
	return out
}

func (f *fakeSender) last() string {
	t := f.texts()
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

type fakeSubs struct {
	subs   []storage.Subscription
	addErr error
}

func (f *fakeSubs) Add(ctx context.Context, sub storage.Subscription) error {
	if f.addErr != nil {
		return f.addErr
	}
	for i, s := range f.subs {
		if s.TaskID() == sub.TaskID() {
			f.subs[i] = sub
			return nil
		}
	}
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeSubs) Remove(ctx context.Context, owner, repo string) error {
	for i, s := range f.subs {
		if s.Owner == owner && s.Repo == repo {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeSubs) List() []storage.Subscription { return f.subs }

func (f *fakeSubs) Get(owner, repo string) (storage.Subscription, error) {
	for _, s := range f.subs {
		if s.Owner == owner && s.Repo == repo {
			return s, nil
		}
	}
	return storage.Subscription{}, errs.NotFound("subscription %s/%s", owner, repo)
}

type fakeChecker struct {
	gotSub      storage.Subscription
	gotOverride *frequency.Interval
	err         error
	tasks       []scheduler.TaskInfo
}

func (f *fakeChecker) CheckNow(ctx context.Context, sub storage.Subscription, override *frequency.Interval, h events.Handler) (*report.Report, error) {
	f.gotSub, f.gotOverride = sub, override
	if f.err != nil {
		return nil, f.err
	}
	return &report.Report{TaskID: sub.TaskID(), Body: "# GitHub " + sub.TaskID() + " report"}, nil
}

func (f *fakeChecker) Tasks() []scheduler.TaskInfo { return f.tasks }

type fakeLimits struct{}

func (fakeLimits) GetRateLimit(context.Context) (*github.RateLimit, error) {
	return &github.RateLimit{Limit: 5000, Remaining: 4321, Reset: time.Now().Add(time.Hour)}, nil
}

func command(text string) *tgbotapi.Message {
	name := strings.Fields(text)[0]
	return &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: 42},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func newTestHandlers() (*Handlers, *fakeSender, *fakeSubs, *fakeChecker) {
	s, subs, chk := &fakeSender{}, &fakeSubs{}, &fakeChecker{}
	return NewHandlers(s, subs, chk, nil, fakeLimits{}), s, subs, chk
}

func TestSubscribe(t *testing.T) {
	h, s, subs, _ := newTestHandlers()

	h.HandleCommand(context.Background(), command("/subscribe golang/go weekly"))
	if len(subs.subs) != 1 || subs.subs[0].Frequency.Type != frequency.TypeWeekly {
		t.Fatalf("subs = %+v", subs.subs)
	}
	if !strings.Contains(s.last(), "Subscribed to golang/go") {
		t.Errorf("reply = %q", s.last())
	}

	h.HandleCommand(context.Background(), command("/sub https://github.com/torvalds/linux"))
	if len(subs.subs) != 2 || subs.subs[1].Frequency.Type != frequency.TypeDaily {
		t.Errorf("default frequency not daily: %+v", subs.subs)
	}
}

func TestSubscribeErrors(t *testing.T) {
	tests := []struct {
		text   string
		addErr error
		want   string
	}{
		{"/subscribe", nil, "Please name a repository"},
		{"/subscribe nope", nil, "owner/repo"},
		{"/subscribe a/b hourly", nil, "daily"},
		{"/subscribe a/b custom", nil, "daily"},
		{"/subscribe a/b", errs.NotFound("repository a/b"), "does not exist"},
		{"/subscribe a/b", errors.New("disk full"), "Subscription failed"},
	}
	for _, tt := range tests {
		h, s, subs, _ := newTestHandlers()
		subs.addErr = tt.addErr
		h.HandleCommand(context.Background(), command(tt.text))
		if !strings.Contains(s.last(), tt.want) {
			t.Errorf("%q: reply = %q, want %q", tt.text, s.last(), tt.want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	h, s, subs, _ := newTestHandlers()
	subs.subs = []storage.Subscription{{Owner: "a", Repo: "b", Frequency: frequency.Daily()}}

	h.HandleCommand(context.Background(), command("/unsubscribe x/y"))
	if !strings.Contains(s.last(), "No subscription") {
		t.Errorf("reply = %q", s.last())
	}

	h.HandleCommand(context.Background(), command("/unsub a/b"))
	if len(subs.subs) != 0 || !strings.Contains(s.last(), "Unsubscribed") {
		t.Errorf("subs=%v reply=%q", subs.subs, s.last())
	}
}

func TestListAndCallback(t *testing.T) {
	h, s, subs, _ := newTestHandlers()
	h.HandleCommand(context.Background(), command("/list"))
	if !strings.Contains(s.last(), "No subscriptions") {
		t.Errorf("empty list reply = %q", s.last())
	}

	subs.subs = []storage.Subscription{{Owner: "a", Repo: "b", Frequency: frequency.Weekly()}}
	h.HandleCommand(context.Background(), command("/list"))
	s.mu.Lock()
	msg := s.msgs[len(s.msgs)-1]
	s.mu.Unlock()
	if !strings.Contains(msg.Text, "[a/b](https://github.com/a/b) · weekly · Issues, PullRequest") {
		t.Errorf("list text = %q", msg.Text)
	}
	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(markup.InlineKeyboard) != 1 {
		t.Fatalf("markup = %#v", msg.ReplyMarkup)
	}
	data := markup.InlineKeyboard[0][0].CallbackData
	if data == nil || *data != "unsub:a:b" {
		t.Fatalf("callback data = %v", data)
	}

	h.HandleCallback(context.Background(), &tgbotapi.CallbackQuery{ID: "1", Data: *data, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42}}})
	if len(subs.subs) != 0 {
		t.Errorf("callback did not unsubscribe: %v", subs.subs)
	}
}

func TestCheck(t *testing.T) {
	h, s, subs, chk := newTestHandlers()
	subs.subs = []storage.Subscription{{Owner: "a", Repo: "b", Frequency: frequency.Weekly()}}

	h.HandleCommand(context.Background(), command("/check a/b 2021-01-01~2021-01-02"))
	if chk.gotSub.Frequency.Type != frequency.TypeWeekly {
		t.Errorf("stored subscription not used: %+v", chk.gotSub)
	}
	if chk.gotOverride == nil || chk.gotOverride.Start != "2021-01-01" || chk.gotOverride.End != "2021-01-02" {
		t.Errorf("override = %v", chk.gotOverride)
	}
	if s.last() != "# GitHub a/b report" {
		t.Errorf("report reply = %q", s.last())
	}

	h.HandleCommand(context.Background(), command("/check x/y"))
	if chk.gotOverride != nil || chk.gotSub.Frequency.Type != frequency.TypeDaily {
		t.Errorf("unstored check = %+v %v", chk.gotSub, chk.gotOverride)
	}

	h.HandleCommand(context.Background(), command("/check a/b 2021-02-01~2021-01-01"))
	if !strings.Contains(s.last(), "after end date") {
		t.Errorf("bad range reply = %q", s.last())
	}

	chk.err = errs.Conflict("generation for a/b is already in progress")
	h.HandleCommand(context.Background(), command("/check a/b"))
	if !strings.Contains(s.last(), "already being generated") {
		t.Errorf("conflict reply = %q", s.last())
	}
}

func TestHackerNewsDisabled(t *testing.T) {
	h, s, _, _ := newTestHandlers()
	h.HandleCommand(context.Background(), command("/hn"))
	if !strings.Contains(s.last(), "not enabled") {
		t.Errorf("reply = %q", s.last())
	}
}

func TestStatus(t *testing.T) {
	h, s, subs, chk := newTestHandlers()
	subs.subs = []storage.Subscription{{Owner: "a", Repo: "b"}}
	chk.tasks = []scheduler.TaskInfo{{TaskID: "a/b", Frequency: "daily", Next: time.Now().Add(2 * time.Hour)}}

	h.HandleCommand(context.Background(), command("/status"))
	out := s.last()
	for _, want := range []string{"*Subscriptions:* 1", "*Scheduled tasks:* 1", "`a/b` daily", "4321/5000"} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q:\n%s", want, out)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	h, s, _, _ := newTestHandlers()
	h.HandleCommand(context.Background(), command("/dance"))
	if !strings.Contains(s.last(), "Unknown command") {
		t.Errorf("reply = %q", s.last())
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		30 * time.Second:              "30s",
		90 * time.Second:              "1m 30s",
		2*time.Hour + 5*time.Minute:   "2h 5m",
		49*time.Hour + 10*time.Minute: "2d 1h 10m",
		-time.Minute:                  "0s",
	}
	for d, want := range tests {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
