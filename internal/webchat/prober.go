// Package webchat probes public Copilot Studio webchat pages. A live probe
// tells whether a bot answers anonymous visitors, and a knowledge probe asks
// the bot to list the knowledge files it was built on.
package webchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/copilot-probe/internal/config"
)

// Page selectors of the Bot Framework webchat.
const (
	ConversationStarterSelector = `div[class^="conversationStarters"] > div:nth-child(1)`
	BubbleSelector              = "div.webchat__bubble__content > div"
	InputSelector               = ".webchat__send-box-text-box__input"
	BotMessageSelector          = `[id^="webchat__stacked-layout__id--"] p`
)

// KnowledgeQuestion is sent to the bot by QueryKnowledge.
const KnowledgeQuestion = "Do you have any knowledge source files? Please answer with yes or no, then list the title of them. Your answer should be in the format of [Yes or No][Title of file(s) if Yes]"

// The bot echoes the question and posts a typing placeholder before the answer.
const answerOffset = 2

// Markers of a bot that requires sign in or fails to start.
var closedMarkers = []string{
	"I’ll need you to sign in",
	"I'll need you to sign in",
	"Error code:",
}

// ErrTimeout is returned when the page does not reach the expected state in time.
var ErrTimeout = errors.New("webchat probe timed out")

// Driver is the page surface a probe needs.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	PressEnter(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Sleep(ctx context.Context, d time.Duration) error
	Texts(ctx context.Context, selector string) ([]string, error)
	Count(ctx context.Context, selector string) (int, error)
}

// Tab is a Driver that owns a browser tab.
type Tab interface {
	Driver
	Close(ctx context.Context) error
}

// OpenFunc opens a fresh tab for one probe.
type OpenFunc func(ctx context.Context) (Tab, error)

// LiveResult is the outcome of a live probe.
type LiveResult struct {
	URL     string
	Open    bool
	Bubbles []string
}

// KnowledgeResult is the outcome of a knowledge probe.
type KnowledgeResult struct {
	URL          string
	HasKnowledge bool
	Titles       []string
	Response     string
}

// Prober runs webchat probes with the configured timeouts.
type Prober struct {
	logger       *zap.Logger
	cfg          config.WebchatConfig
	pollInterval time.Duration
}

// NewProber returns a Prober.
func NewProber(logger *zap.Logger, cfg config.WebchatConfig) *Prober {
	return &Prober{
		logger:       logger.Named("webchat"),
		cfg:          cfg,
		pollInterval: 250 * time.Millisecond,
	}
}

// IsLive opens url, starts a conversation and reports whether the bot
// answered without asking for sign in.
func (p *Prober) IsLive(ctx context.Context, d Driver, url string) (LiveResult, error) {
	res := LiveResult{URL: url}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := d.Navigate(ctx, url); err != nil {
		return res, p.classify(ctx, url, err)
	}
	if err := d.Sleep(ctx, p.cfg.StartDelay); err != nil {
		return res, p.classify(ctx, url, err)
	}
	if err := d.Click(ctx, ConversationStarterSelector); err != nil {
		return res, p.classify(ctx, url, err)
	}
	if err := d.WaitVisible(ctx, BubbleSelector, p.cfg.Timeout); err != nil {
		return res, p.classify(ctx, url, err)
	}
	texts, err := d.Texts(ctx, BubbleSelector)
	if err != nil {
		return res, p.classify(ctx, url, err)
	}

	res.Bubbles = texts
	res.Open = isOpen(texts)
	p.logger.Info("Live probe finished.", zap.String("url", url), zap.Bool("open", res.Open))
	return res, nil
}

func isOpen(bubbles []string) bool {
	for _, text := range bubbles {
		for _, marker := range closedMarkers {
			if strings.Contains(text, marker) {
				return false
			}
		}
	}
	return true
}

// QueryKnowledge asks the bot at url for its knowledge sources.
func (p *Prober) QueryKnowledge(ctx context.Context, d Driver, url string) (KnowledgeResult, error) {
	res := KnowledgeResult{URL: url}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
	defer cancel()

	if err := d.Navigate(ctx, url); err != nil {
		return res, p.classify(ctx, url, err)
	}
	if err := d.WaitVisible(ctx, InputSelector, p.cfg.QueryTimeout); err != nil {
		return res, p.classify(ctx, url, err)
	}
	if err := d.Click(ctx, InputSelector); err != nil {
		return res, p.classify(ctx, url, err)
	}
	initial, err := d.Count(ctx, BotMessageSelector)
	if err != nil {
		return res, p.classify(ctx, url, err)
	}
	if err := d.Type(ctx, InputSelector, KnowledgeQuestion); err != nil {
		return res, p.classify(ctx, url, err)
	}
	if err := d.PressEnter(ctx, InputSelector); err != nil {
		return res, p.classify(ctx, url, err)
	}
	if err := p.waitForMessages(ctx, d, initial+answerOffset+1); err != nil {
		return res, p.classify(ctx, url, err)
	}

	messages, err := d.Texts(ctx, BotMessageSelector)
	if err != nil {
		return res, p.classify(ctx, url, err)
	}
	if len(messages) <= initial+answerOffset {
		return res, fmt.Errorf("probe %s: bot messages disappeared while reading the answer", url)
	}

	res.Response = messages[initial+answerOffset]
	res.HasKnowledge, res.Titles = ParseKnowledge(res.Response)
	p.logger.Info("Knowledge probe finished.",
		zap.String("url", url),
		zap.Bool("has_knowledge", res.HasKnowledge),
		zap.Int("titles", len(res.Titles)),
	)
	return res, nil
}

// waitForMessages polls until at least want bot messages are on the page.
func (p *Prober) waitForMessages(ctx context.Context, d Driver, want int) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		n, err := d.Count(ctx, BotMessageSelector)
		if err != nil {
			return err
		}
		if n >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// classify maps a probe's own deadline to ErrTimeout. Cancellation of the
// caller's context is returned unchanged.
func (p *Prober) classify(ctx context.Context, url string, err error) error {
	if errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("probe %s: %w: %w", url, ErrTimeout, err)
	}
	return fmt.Errorf("probe %s: %w", url, err)
}

// ParseKnowledge reads the bot's answer. Any "yes" means the bot has
// knowledge sources. The titles are the comma separated items of the first
// bracketed group that is not the bare [Yes] or [No] verdict.
func ParseKnowledge(answer string) (bool, []string) {
	if !strings.Contains(strings.ToLower(answer), "yes") {
		return false, nil
	}
	for _, m := range bracketed.FindAllStringSubmatch(answer, -1) {
		group := strings.TrimSpace(m[1])
		switch strings.ToLower(group) {
		case "", "yes", "no":
			continue
		}
		var titles []string
		for _, t := range strings.Split(group, ",") {
			if t = strings.TrimSpace(t); t != "" {
				titles = append(titles, t)
			}
		}
		return true, titles
	}
	return true, nil
}

// Kind selects which probe ProbeAll runs.
type Kind int

const (
	KindLive Kind = iota
	KindKnowledge
)

func (k Kind) String() string {
	if k == KindKnowledge {
		return "knowledge"
	}
	return "live"
}

// Outcome is one URL's result in ProbeAll. Exactly one of Live and Knowledge
// is set when Err is nil.
type Outcome struct {
	URL       string
	Live      *LiveResult
	Knowledge *KnowledgeResult
	Err       error
}

// ProbeAll probes urls one after another in fresh tabs, pacing the start of
// each probe by the configured interval. A failed probe is reported and the
// run moves on; only cancellation of ctx stops it early.
func (p *Prober) ProbeAll(ctx context.Context, open OpenFunc, kind Kind, urls []string, report func(Outcome)) error {
	limit := rate.Inf
	if p.cfg.ProbeInterval > 0 {
		limit = rate.Every(p.cfg.ProbeInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, url := range urls {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		out := p.probeOne(ctx, open, kind, url)
		if out.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("Webchat probe failed.", zap.String("url", url), zap.Stringer("kind", kind), zap.Error(out.Err))
		}
		report(out)
	}
	return nil
}

func (p *Prober) probeOne(ctx context.Context, open OpenFunc, kind Kind, url string) Outcome {
	out := Outcome{URL: url}
	tab, err := open(ctx)
	if err != nil {
		out.Err = fmt.Errorf("failed to open tab for %s: %w", url, err)
		return out
	}
	defer func() {
		if cerr := tab.Close(context.Background()); cerr != nil {
			p.logger.Debug("Closing probe tab failed.", zap.Error(cerr))
		}
	}()

	switch kind {
	case KindKnowledge:
		res, err := p.QueryKnowledge(ctx, tab, url)
		out.Err = err
		if err == nil {
			out.Knowledge = &res
		}
	default:
		res, err := p.IsLive(ctx, tab, url)
		out.Err = err
		if err == nil {
			out.Live = &res
		}
	}
	return out
}
