package webchat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/copilot-probe/internal/config"
)

// fakePage scripts a webchat page.
type fakePage struct {
	mu       sync.Mutex
	calls    []string
	failOn   map[string]error
	bubbles  []string
	messages []string
	// reply is appended to messages once Enter is pressed.
	reply  []string
	sent   bool
	closed bool
}

func newFakePage() *fakePage {
	return &fakePage{failOn: map[string]error{}}
}

func (f *fakePage) record(ctx context.Context, call string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failOn[call]
}

func (f *fakePage) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePage) Navigate(ctx context.Context, url string) error {
	return f.record(ctx, "navigate "+url)
}

func (f *fakePage) Click(ctx context.Context, selector string) error {
	return f.record(ctx, "click "+selector)
}

func (f *fakePage) Type(ctx context.Context, selector, text string) error {
	return f.record(ctx, "type "+selector)
}

func (f *fakePage) PressEnter(ctx context.Context, selector string) error {
	if err := f.record(ctx, "enter "+selector); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = true
	f.mu.Unlock()
	return nil
}

func (f *fakePage) WaitVisible(ctx context.Context, selector string, _ time.Duration) error {
	return f.record(ctx, "wait "+selector)
}

func (f *fakePage) Sleep(ctx context.Context, _ time.Duration) error {
	return f.record(ctx, "sleep")
}

func (f *fakePage) Texts(ctx context.Context, selector string) ([]string, error) {
	if err := f.record(ctx, "texts "+selector); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if selector == BubbleSelector {
		return append([]string(nil), f.bubbles...), nil
	}
	return append([]string(nil), f.current()...), nil
}

func (f *fakePage) Count(ctx context.Context, selector string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["count"]; err != nil {
		return 0, err
	}
	return len(f.current()), nil
}

func (f *fakePage) current() []string {
	if f.sent {
		return append(append([]string(nil), f.messages...), f.reply...)
	}
	return f.messages
}

func (f *fakePage) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func testConfig() config.WebchatConfig {
	return config.WebchatConfig{
		Timeout:      time.Second,
		QueryTimeout: time.Second,
		StartDelay:   time.Millisecond,
	}
}

func newTestProber(t *testing.T, cfg config.WebchatConfig) *Prober {
	p := NewProber(zaptest.NewLogger(t), cfg)
	p.pollInterval = time.Millisecond
	return p
}

func TestIsLive(t *testing.T) {
	tests := []struct {
		name    string
		bubbles []string
		open    bool
	}{
		{"answers anonymously", []string{"Hello! How can I help?"}, true},
		{"asks for sign in", []string{"Hi", "I’ll need you to sign in to continue."}, false},
		{"asks for sign in with plain apostrophe", []string{"I'll need you to sign in"}, false},
		{"errors out", []string{"Sorry, something went wrong. Error code: SystemError"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			page := newFakePage()
			page.bubbles = tc.bubbles

			res, err := newTestProber(t, testConfig()).IsLive(context.Background(), page, "https://bot.example/1")
			require.NoError(t, err)
			assert.Equal(t, tc.open, res.Open)
			assert.Equal(t, tc.bubbles, res.Bubbles)
		})
	}
}

func TestIsLive_Journey(t *testing.T) {
	page := newFakePage()
	_, err := newTestProber(t, testConfig()).IsLive(context.Background(), page, "https://bot.example/1")
	require.NoError(t, err)

	want := []string{
		"navigate https://bot.example/1",
		"sleep",
		"click " + ConversationStarterSelector,
		"wait " + BubbleSelector,
		"texts " + BubbleSelector,
	}
	if diff := cmp.Diff(want, page.Calls()); diff != "" {
		t.Errorf("unexpected calls (-want +got):\n%s", diff)
	}
}

func TestIsLive_Timeout(t *testing.T) {
	page := newFakePage()
	page.failOn["wait "+BubbleSelector] = fmt.Errorf("wait for bubbles timed out: %w", context.DeadlineExceeded)

	_, err := newTestProber(t, testConfig()).IsLive(context.Background(), page, "https://bot.example/1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsLive_OtherFailure(t *testing.T) {
	page := newFakePage()
	boom := errors.New("no such element")
	page.failOn["click "+ConversationStarterSelector] = boom

	_, err := newTestProber(t, testConfig()).IsLive(context.Background(), page, "https://bot.example/1")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestIsLive_CallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestProber(t, testConfig()).IsLive(ctx, newFakePage(), "https://bot.example/1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestQueryKnowledge(t *testing.T) {
	page := newFakePage()
	page.messages = []string{"Welcome to the HR bot."}
	page.reply = []string{
		KnowledgeQuestion,
		"...",
		"[Yes][Benefits 2024.pdf, Holiday policy.docx ]",
	}

	res, err := newTestProber(t, testConfig()).QueryKnowledge(context.Background(), page, "https://bot.example/hr")
	require.NoError(t, err)
	assert.True(t, res.HasKnowledge)
	assert.Equal(t, []string{"Benefits 2024.pdf", "Holiday policy.docx"}, res.Titles)
	assert.Equal(t, "[Yes][Benefits 2024.pdf, Holiday policy.docx ]", res.Response)

	want := []string{
		"navigate https://bot.example/hr",
		"wait " + InputSelector,
		"click " + InputSelector,
		"type " + InputSelector,
		"enter " + InputSelector,
		"texts " + BotMessageSelector,
	}
	if diff := cmp.Diff(want, page.Calls()); diff != "" {
		t.Errorf("unexpected calls (-want +got):\n%s", diff)
	}
}

func TestQueryKnowledge_NoAnswer(t *testing.T) {
	page := newFakePage()
	page.reply = []string{KnowledgeQuestion}
	cfg := testConfig()
	cfg.QueryTimeout = 20 * time.Millisecond

	_, err := newTestProber(t, cfg).QueryKnowledge(context.Background(), page, "https://bot.example/quiet")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestParseKnowledge(t *testing.T) {
	tests := []struct {
		answer string
		has    bool
		titles []string
	}{
		{"[No]", false, nil},
		{"No, I don't have any files.", false, nil},
		{"[Yes][a.pdf]", true, []string{"a.pdf"}},
		{"[yes] [ ] [x.pdf,,y.pdf]", true, []string{"x.pdf", "y.pdf"}},
		{"Yes [a.pdf, b.docx , c.txt]", true, []string{"a.pdf", "b.docx", "c.txt"}},
		{"YES, but I cannot list them.", true, nil},
		{"yes []", true, nil},
	}
	for _, tc := range tests {
		has, titles := ParseKnowledge(tc.answer)
		assert.Equal(t, tc.has, has, tc.answer)
		assert.Equal(t, tc.titles, titles, tc.answer)
	}
}

func TestProbeAll(t *testing.T) {
	var opened []*fakePage
	open := func(ctx context.Context) (Tab, error) {
		p := newFakePage()
		opened = append(opened, p)
		return p, nil
	}

	var got []Outcome
	err := newTestProber(t, testConfig()).ProbeAll(context.Background(), open, KindLive,
		[]string{"https://bot.example/1", "https://bot.example/2"},
		func(o Outcome) { got = append(got, o) })
	require.NoError(t, err)

	require.Len(t, got, 2)
	for i, o := range got {
		require.NoError(t, o.Err)
		require.NotNil(t, o.Live)
		assert.Nil(t, o.Knowledge)
		assert.Equal(t, o.URL, o.Live.URL)
		assert.True(t, opened[i].closed, "tab %d left open", i)
	}
}

func TestProbeAll_ContinuesAfterFailure(t *testing.T) {
	n := 0
	open := func(ctx context.Context) (Tab, error) {
		n++
		if n == 1 {
			return nil, errors.New("tab crashed")
		}
		p := newFakePage()
		p.reply = []string{"q", "...", "[No]"}
		return p, nil
	}

	var got []Outcome
	err := newTestProber(t, testConfig()).ProbeAll(context.Background(), open, KindKnowledge,
		[]string{"https://bot.example/1", "https://bot.example/2"},
		func(o Outcome) { got = append(got, o) })
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Error(t, got[0].Err)
	require.NoError(t, got[1].Err)
	require.NotNil(t, got[1].Knowledge)
	assert.False(t, got[1].Knowledge.HasKnowledge)
}

func TestProbeAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	open := func(ctx context.Context) (Tab, error) {
		calls++
		return newFakePage(), nil
	}

	err := newTestProber(t, testConfig()).ProbeAll(ctx, open, KindLive, []string{"https://bot.example/1"}, func(Outcome) {
		t.Error("no outcome expected after cancellation")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "live", KindLive.String())
	assert.Equal(t, "knowledge", KindKnowledge.String())
}
