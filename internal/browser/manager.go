// Package browser drives the operator's Chrome through the DevTools protocol.
// It opens worker tabs, runs the site scripts in them, and turns CDP target
// and navigation events into capture signals.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"labelrunner/internal/capture"
	"labelrunner/internal/config"
	"labelrunner/internal/logging"
	"labelrunner/internal/messaging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// ErrUnknownTab is returned for tab ids the manager does not track.
var ErrUnknownTab = errors.New("unknown tab")

// Config holds browser configuration.
type Config struct {
	DebuggerURL       string
	Launch            []string
	Headless          bool
	NavigationTimeout time.Duration
	FindOrderJS       string
	AutomateJS        string
}

// ConfigFrom builds a Config from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		DebuggerURL:       cfg.Browser.DebuggerURL,
		Launch:            cfg.Browser.Launch,
		Headless:          cfg.Browser.Headless,
		NavigationTimeout: cfg.GetNavigationTimeout(),
		FindOrderJS:       cfg.Scripts.FindOrder,
		AutomateJS:        cfg.Scripts.Automate,
	}
}

func (c Config) findOrderJS() string {
	if strings.TrimSpace(c.FindOrderJS) == "" {
		return DefaultFindOrderJS
	}
	return c.FindOrderJS
}

func (c Config) automateJS() string {
	if strings.TrimSpace(c.AutomateJS) == "" {
		return DefaultAutomateJS
	}
	return c.AutomateJS
}

func (c Config) navigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

type tab struct {
	page   *rod.Page
	cancel context.CancelFunc
	stop   func() error
}

// Manager owns the Chrome connection and the tabs it opened or attached.
type Manager struct {
	cfg    Config
	coord  *capture.Coordinator
	router *messaging.Router
	log    *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	tabs       map[string]*tab
	stopEvents context.CancelFunc

	// children maps a tracked tab to the tabs the site opened from it,
	// directly or through another opened tab. openers is the reverse.
	children map[string][]string
	openers  map[string]string
}

// NewManager creates a Manager. Target and navigation events are reported to
// coord; page messages are dispatched through router.
func NewManager(cfg Config, coord *capture.Coordinator, router *messaging.Router, log *zap.Logger) *Manager {
	if log == nil {
		log = logging.Get(logging.CategoryBrowser)
	}
	return &Manager{
		cfg:    cfg,
		coord:  coord,
		router: router,
		log:    log,
		tabs:   make(map[string]*tab),

		children: make(map[string][]string),
		openers:  make(map[string]string),
	}
}

// Start connects to an existing Chrome or launches a new one.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection, reconnecting")
		m.closeLocked()
	}

	controlURL, err := m.resolveControlURL()
	if err != nil {
		return err
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(browser); err != nil {
		_ = browser.Close()
		return fmt.Errorf("discover targets: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL

	evCtx, cancel := context.WithCancel(ctx)
	m.stopEvents = cancel
	m.watchTargets(evCtx, browser)

	m.log.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (m *Manager) resolveControlURL() (string, error) {
	if m.cfg.DebuggerURL != "" {
		return m.cfg.DebuggerURL, nil
	}
	if len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		l := launcher.New().Bin(bin).Headless(m.cfg.Headless)
		for _, rawFlag := range m.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
		url, err := l.Launch()
		if err != nil {
			return "", fmt.Errorf("launch chrome: %w", err)
		}
		return url, nil
	}
	url, err := launcher.New().Headless(m.cfg.Headless).Launch()
	if err != nil {
		return "", fmt.Errorf("no debugger_url and failed to launch: %w", err)
	}
	return url, nil
}

func (m *Manager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	started := m.browser != nil
	m.mu.RUnlock()
	if started {
		return nil
	}
	return m.Start(ctx)
}

// ControlURL returns the DevTools WebSocket URL.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// Shutdown closes tracked tabs and disconnects. A launched browser is closed;
// an attached one keeps running.
func (m *Manager) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tabs {
		t.cancel()
		_ = t.page.Close()
		delete(m.tabs, id)
	}
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	if m.stopEvents != nil {
		m.stopEvents()
		m.stopEvents = nil
	}
	var err error
	if m.browser != nil {
		if m.cfg.DebuggerURL == "" {
			err = m.browser.Close()
		}
		m.browser = nil
	}
	m.controlURL = ""
	m.tabs = make(map[string]*tab)
	m.children = make(map[string][]string)
	m.openers = make(map[string]string)
	return err
}

// watchTargets reports tabs opened by other tabs, and URL changes of tabs the
// manager does not drive itself, to the coordinator.
func (m *Manager) watchTargets(ctx context.Context, browser *rod.Browser) {
	wait := browser.Context(ctx).EachEvent(
		func(ev *proto.TargetTargetCreated) {
			info := ev.TargetInfo
			if info == nil || string(info.Type) != "page" || info.OpenerID == "" {
				return
			}
			m.log.Debug("tab opened",
				zap.String("tab", string(info.TargetID)),
				zap.String("opener", string(info.OpenerID)),
				zap.String("url", info.URL))
			m.adopt(string(info.OpenerID), string(info.TargetID))
			m.coord.TabOpened(string(info.OpenerID), string(info.TargetID), info.URL)
		},
		func(ev *proto.TargetTargetInfoChanged) {
			info := ev.TargetInfo
			if info == nil || string(info.Type) != "page" || m.tracked(string(info.TargetID)) {
				return
			}
			m.coord.Navigated(string(info.TargetID), info.URL)
		},
	)
	go wait()
}

func (m *Manager) tracked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tabs[id]
	return ok
}

func (m *Manager) page(id string) (*rod.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}
	return t.page, nil
}

// Open creates an inactive tab, instruments it, then navigates it to url.
func (m *Manager) Open(ctx context.Context, url string) (string, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return "", err
	}
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank", Background: true})
	if err != nil {
		return "", fmt.Errorf("create tab: %w", err)
	}
	id, err := m.instrument(page)
	if err != nil {
		_ = page.Close()
		return "", err
	}
	if err := page.Context(ctx).Timeout(m.cfg.navigationTimeout()).Navigate(url); err != nil {
		_ = m.Close(context.WithoutCancel(ctx), id)
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	m.log.Debug("worker tab opened", zap.String("tab", id), zap.String("url", url))
	return id, nil
}

// Attach instruments an existing tab, e.g. one the operator works in, so the
// page can message the core.
func (m *Manager) Attach(ctx context.Context, targetID string) (string, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return "", err
	}
	if m.tracked(targetID) {
		return targetID, nil
	}
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()

	page, err := browser.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return "", fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	return m.instrument(page)
}

// instrument installs the message binding and the navigation listener, and
// starts tracking page.
func (m *Manager) instrument(page *rod.Page) (string, error) {
	id := string(page.TargetID)

	stop, err := page.Expose(BindingName, func(arg gson.JSON) (interface{}, error) {
		return m.handlePageMessage(id, arg), nil
	})
	if err != nil {
		return "", fmt.Errorf("install binding: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wait := page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		m.coord.Navigated(id, ev.Frame.URL)
	})
	go wait()

	m.mu.Lock()
	m.tabs[id] = &tab{page: page, cancel: cancel, stop: stop}
	m.mu.Unlock()
	return id, nil
}

func (m *Manager) handlePageMessage(tabID string, arg gson.JSON) messaging.Response {
	raw, err := arg.MarshalJSON()
	if err != nil {
		return messaging.Response{Error: err.Error()}
	}
	var msg messaging.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return messaging.Response{Error: fmt.Sprintf("bad message: %v", err)}
	}
	msg.Tab = tabID
	return m.router.Reply(context.Background(), msg)
}

// WaitComplete blocks until the tab's load event fired.
func (m *Manager) WaitComplete(ctx context.Context, id string) error {
	page, err := m.page(id)
	if err != nil {
		return err
	}
	return page.Context(ctx).WaitLoad()
}

// FindOrderID runs the find-order script with hint.
func (m *Manager) FindOrderID(ctx context.Context, id, hint string) (string, error) {
	page, err := m.page(id)
	if err != nil {
		return "", err
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           m.cfg.findOrderJS(),
		JSArgs:       []interface{}{hint},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return "", fmt.Errorf("find order script: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return "", nil
	}
	return strings.TrimSpace(res.Value.Str()), nil
}

// Automate sends an open-order-and-automate message to the page's automate
// script and returns its verdict.
func (m *Manager) Automate(ctx context.Context, id, orderID, orderHint string) (bool, error) {
	page, err := m.page(id)
	if err != nil {
		return false, err
	}
	msg, err := messaging.New(messaging.TypeOpenOrder, messaging.OpenOrder{OrderID: orderID, OrderHint: orderHint})
	if err != nil {
		return false, err
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           m.cfg.automateJS(),
		JSArgs:       []interface{}{msg},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return false, fmt.Errorf("automate script: %w", err)
	}
	return res != nil && res.Value.Bool(), nil
}

// Close closes a tab together with any tab the site opened from it that is
// still open. Tabs the manager did not open are closed by target id.
func (m *Manager) Close(_ context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	delete(m.tabs, id)
	browser := m.browser
	m.mu.Unlock()
	leftover := m.release(id)

	for _, child := range leftover {
		if err := closeTarget(browser, child); err != nil {
			m.log.Debug("opened tab already gone", zap.String("tab", child), zap.Error(err))
			continue
		}
		m.log.Debug("closed tab opened by worker", zap.String("tab", child), zap.String("opener", id))
	}

	if ok {
		t.cancel()
		if t.stop != nil {
			_ = t.stop()
		}
		return t.page.Close()
	}
	return closeTarget(browser, id)
}

func closeTarget(browser *rod.Browser, id string) error {
	if browser == nil {
		return nil
	}
	_, err := proto.TargetCloseTarget{TargetID: proto.TargetTargetID(id)}.Call(browser)
	return err
}

// adopt records child as opened from opener when opener is a tracked tab or
// was itself opened from one. It reports whether child was recorded.
func (m *Manager) adopt(opener, child string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	root := opener
	if r, ok := m.openers[opener]; ok {
		root = r
	}
	if _, ok := m.tabs[root]; !ok {
		return false
	}
	m.children[root] = append(m.children[root], child)
	m.openers[child] = root
	return true
}

// release forgets id. When id is a tracked tab, the tabs opened from it that
// were not closed on their own are returned.
func (m *Manager) release(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if root, ok := m.openers[id]; ok {
		delete(m.openers, id)
		kids := m.children[root]
		for i, c := range kids {
			if c == id {
				m.children[root] = append(kids[:i:i], kids[i+1:]...)
				break
			}
		}
	}
	leftover := m.children[id]
	delete(m.children, id)
	for _, c := range leftover {
		delete(m.openers, c)
	}
	return leftover
}

// Tabs returns the ids of tracked tabs.
func (m *Manager) Tabs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tabs))
	for id := range m.tabs {
		ids = append(ids, id)
	}
	return ids
}
