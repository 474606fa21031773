package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
)

const (
	defaultOperationTimeout = 30 * time.Second
	terminateTimeout        = 10 * time.Second

	clickScript = `function() { this.scrollIntoView({block: "center", inline: "center"}); this.click(); }`
	// cellTextsTemplate receives the cell selector as a JSON string literal.
	cellTextsTemplate = `function() {
	return Array.from(this.querySelectorAll(%s)).map(function(c) {
		return (c.innerText || c.textContent || "").trim();
	});
}`
)

// window is one page target. ctx is nil until the target is attached.
type window struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

// Session is a chromedp-backed schemas.BrowserSession. It owns one browser
// process and tracks its page targets as windows in creation order.
type Session struct {
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	opTimeout       time.Duration
	cellSelector    string
	printBackground bool

	// runActions executes actions against a tab context. Tests replace it.
	runActions func(ctx context.Context, actions ...chromedp.Action) error

	mu      sync.Mutex
	baseID  target.ID
	windows map[target.ID]*window
	order   []target.ID
	current target.ID
	closed  bool

	terminateOnce sync.Once
}

var _ schemas.BrowserSession = (*Session)(nil)

func newSession(logger *zap.Logger, opts schemas.LaunchOptions, opTimeout time.Duration) *Session {
	if opTimeout <= 0 {
		opTimeout = defaultOperationTimeout
	}
	cellSelector := opts.CellSelector
	if cellSelector == "" {
		cellSelector = "td"
	}
	return &Session{
		logger:          logger,
		opTimeout:       opTimeout,
		cellSelector:    cellSelector,
		printBackground: opts.PrintBackground,
		runActions:      chromedp.Run,
		windows:         make(map[target.ID]*window),
	}
}

// -- Lifecycle --

// Terminate closes the browser gracefully, then releases the allocator. Only
// the first call does any work; later calls return nil.
func (s *Session) Terminate() error {
	var err error
	s.terminateOnce.Do(func() {
		err = s.shutdown()
	})
	return err
}

func (s *Session) shutdown() error {
	s.mu.Lock()
	s.closed = true
	var cancels []context.CancelFunc
	for _, w := range s.windows {
		if w.cancel != nil {
			cancels = append(cancels, w.cancel)
		}
	}
	s.windows = nil
	s.order = nil
	s.current = ""
	s.mu.Unlock()

	var err error
	if s.browserCtx != nil {
		ctx, cancel := context.WithTimeout(s.browserCtx, terminateTimeout)
		err = chromedp.Cancel(ctx)
		cancel()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	if s.browserCancel != nil {
		s.browserCancel()
	}
	// Tab contexts are children of the browser context and are already done.
	for _, c := range cancels {
		c()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}

	if s.logger != nil {
		s.logger.Debug("Browser session terminated.", zap.Error(err))
	}
	if err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// wrap annotates err, reporting ErrSessionClosed instead when the failure
// was caused by a concurrent Terminate.
func (s *Session) wrap(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if s.isClosed() {
		return fmt.Errorf("%s: %w", msg, schemas.ErrSessionClosed)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// operationContext bounds an operation on tabCtx by the caller's context and
// the configured operation timeout.
func (s *Session) operationContext(tabCtx, callerCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancelCombined := CombineContext(tabCtx, callerCtx)
	timed, cancelTimed := context.WithTimeout(combined, s.opTimeout)
	return timed, func() {
		cancelTimed()
		cancelCombined()
	}
}

// focusedContext returns the tab context of the focused window.
func (s *Session) focusedContext() (context.Context, target.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, "", schemas.ErrSessionClosed
	}
	w, ok := s.windows[s.current]
	if !ok || w.ctx == nil {
		return nil, "", schemas.ErrNoWindow
	}
	return w.ctx, w.id, nil
}

func (s *Session) browserExecutorContext(ctx context.Context) (context.Context, error) {
	c := chromedp.FromContext(s.browserCtx)
	if c == nil || c.Browser == nil {
		return nil, schemas.ErrSessionClosed
	}
	return cdp.WithExecutor(ctx, c.Browser), nil
}

// -- Windows --

// Navigate loads url in the focused window and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	tabCtx, _, err := s.focusedContext()
	if err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(tabCtx, ctx)
	defer cancel()

	if err := s.runActions(opCtx, chromedp.Navigate(url)); err != nil {
		return s.wrap(err, "failed to navigate to %s", url)
	}
	return nil
}

// OpenInNewWindow creates a page target loading url. The new window is
// tracked but not focused.
func (s *Session) OpenInNewWindow(ctx context.Context, url string) (schemas.WindowID, error) {
	if s.isClosed() {
		return "", schemas.ErrSessionClosed
	}
	opCtx, cancel := s.operationContext(s.browserCtx, ctx)
	defer cancel()

	execCtx, err := s.browserExecutorContext(opCtx)
	if err != nil {
		return "", err
	}
	id, err := target.CreateTarget(url).Do(execCtx)
	if err != nil {
		return "", s.wrap(err, "failed to open window for %s", url)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", schemas.ErrSessionClosed
	}
	s.track(id)
	return schemas.WindowID(id), nil
}

// track registers a window if it is new. Callers hold s.mu.
func (s *Session) track(id target.ID) {
	if _, known := s.windows[id]; known {
		return
	}
	s.windows[id] = &window{id: id}
	s.order = append(s.order, id)
}

// ListWindows reconciles the tracked windows with the browser's page
// targets. Windows opened by the page itself are appended; closed ones are
// forgotten.
func (s *Session) ListWindows(ctx context.Context) ([]schemas.WindowID, error) {
	if s.isClosed() {
		return nil, schemas.ErrSessionClosed
	}
	opCtx, cancel := s.operationContext(s.browserCtx, ctx)
	defer cancel()

	infos, err := chromedp.Targets(opCtx)
	if err != nil {
		return nil, s.wrap(err, "failed to list windows")
	}

	live := make(map[target.ID]bool, len(infos))
	var stale []context.CancelFunc

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, schemas.ErrSessionClosed
	}
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		live[info.TargetID] = true
		s.track(info.TargetID)
	}

	kept := make([]target.ID, 0, len(s.order))
	for _, id := range s.order {
		if live[id] {
			kept = append(kept, id)
			continue
		}
		if w := s.windows[id]; w.cancel != nil {
			stale = append(stale, w.cancel)
		}
		delete(s.windows, id)
		if s.current == id {
			s.current = ""
		}
	}
	s.order = kept

	out := make([]schemas.WindowID, len(kept))
	for i, id := range kept {
		out[i] = schemas.WindowID(id)
	}
	s.mu.Unlock()

	for _, c := range stale {
		c()
	}
	return out, nil
}

// SwitchToWindow attaches to the window if needed, focuses it and brings it
// to the front.
func (s *Session) SwitchToWindow(ctx context.Context, id schemas.WindowID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return schemas.ErrSessionClosed
	}
	w, ok := s.windows[target.ID(id)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", schemas.ErrUnknownWindow, id)
	}
	attach := w.ctx == nil
	if attach {
		w.ctx, w.cancel = chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(w.id))
	}
	tabCtx := w.ctx
	s.current = w.id
	s.mu.Unlock()

	if attach {
		// The first run attaches the target; it must not carry a deadline
		// or the tab would be torn down when the deadline passes.
		if err := s.runActions(tabCtx); err != nil {
			return s.wrap(err, "failed to attach to window %s", id)
		}
	}

	opCtx, cancel := s.operationContext(tabCtx, ctx)
	defer cancel()
	if err := s.runActions(opCtx, page.BringToFront()); err != nil {
		return s.wrap(err, "failed to focus window %s", id)
	}
	return nil
}

// CloseCurrentWindow closes the focused window. The base window owns the
// browser and cannot be closed this way.
func (s *Session) CloseCurrentWindow(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return schemas.ErrSessionClosed
	}
	w, ok := s.windows[s.current]
	if !ok {
		s.mu.Unlock()
		return schemas.ErrNoWindow
	}
	if w.id == s.baseID {
		s.mu.Unlock()
		return errors.New("the base window cannot be closed")
	}
	delete(s.windows, w.id)
	for i, id := range s.order {
		if id == w.id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	s.current = ""
	s.mu.Unlock()

	if w.cancel != nil {
		// Canceling an attached tab context detaches and closes its target.
		w.cancel()
		return nil
	}

	opCtx, cancel := s.operationContext(s.browserCtx, ctx)
	defer cancel()
	execCtx, err := s.browserExecutorContext(opCtx)
	if err != nil {
		return err
	}
	if err := target.CloseTarget(w.id).Do(execCtx); err != nil {
		return s.wrap(err, "failed to close window %s", w.id)
	}
	return nil
}

// CurrentWindow returns the focused window, or "" when none is.
func (s *Session) CurrentWindow() schemas.WindowID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return schemas.WindowID(s.current)
}

// -- Elements --

// FindAll returns the current matches for selector without waiting.
func (s *Session) FindAll(ctx context.Context, selector string) ([]schemas.Element, error) {
	return s.queryAll(ctx, selector, s.opTimeout, chromedp.AtLeast(0))
}

// WaitForAll waits up to timeout for selector to match, then returns every match.
func (s *Session) WaitForAll(ctx context.Context, selector string, timeout time.Duration) ([]schemas.Element, error) {
	return s.queryAll(ctx, selector, timeout)
}

func (s *Session) queryAll(ctx context.Context, selector string, timeout time.Duration, opts ...chromedp.QueryOption) ([]schemas.Element, error) {
	tabCtx, id, err := s.focusedContext()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(tabCtx, ctx)
	defer cancel()
	waitCtx, cancelWait := context.WithTimeout(opCtx, timeout)
	defer cancelWait()

	var nodes []*cdp.Node
	queryOpts := append([]chromedp.QueryOption{chromedp.BySearch}, opts...)
	if err := s.runActions(waitCtx, chromedp.Nodes(selector, &nodes, queryOpts...)); err != nil {
		return nil, s.wrap(err, "failed to locate %q", selector)
	}

	elements := make([]schemas.Element, 0, len(nodes))
	for _, n := range nodes {
		elements = append(elements, schemas.Element{NodeID: int64(n.NodeID), Window: schemas.WindowID(id)})
	}
	return elements, nil
}

// Click scrolls the element into view and clicks it through the DOM.
func (s *Session) Click(ctx context.Context, el schemas.Element) error {
	if _, err := s.callOn(ctx, el, clickScript, false); err != nil {
		return s.wrap(err, "failed to click node %d", el.NodeID)
	}
	return nil
}

// ReadCellTexts returns the trimmed text of every cell below row.
func (s *Session) ReadCellTexts(ctx context.Context, row schemas.Element) ([]string, error) {
	selector, err := json.Marshal(s.cellSelector)
	if err != nil {
		return nil, err
	}
	res, err := s.callOn(ctx, row, fmt.Sprintf(cellTextsTemplate, selector), true)
	if err != nil {
		return nil, s.wrap(err, "failed to read cells of node %d", row.NodeID)
	}

	var texts []string
	if res == nil || len(res.Value) == 0 {
		return texts, nil
	}
	if err := json.Unmarshal(res.Value, &texts); err != nil {
		return nil, fmt.Errorf("failed to decode cell texts: %w", err)
	}
	return texts, nil
}

// callOn resolves the element's node in its window and calls fn on it.
func (s *Session) callOn(ctx context.Context, el schemas.Element, fn string, byValue bool) (*runtime.RemoteObject, error) {
	tabCtx, err := s.windowContext(el.Window)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(tabCtx, ctx)
	defer cancel()

	var result *runtime.RemoteObject
	err = s.runActions(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(cdp.NodeID(el.NodeID)).Do(ctx)
		if err != nil {
			return fmt.Errorf("resolve node: %w", err)
		}
		defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(ctx) }()

		res, exc, err := runtime.CallFunctionOn(fn).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(byValue).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script exception: %s", exc.Text)
		}
		result = res
		return nil
	}))
	return result, err
}

func (s *Session) windowContext(id schemas.WindowID) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, schemas.ErrSessionClosed
	}
	w, ok := s.windows[target.ID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrUnknownWindow, id)
	}
	if w.ctx == nil {
		return nil, schemas.ErrNoWindow
	}
	return w.ctx, nil
}

// -- Export --

// ExportPDF prints the focused window to PDF.
func (s *Session) ExportPDF(ctx context.Context) ([]byte, error) {
	tabCtx, _, err := s.focusedContext()
	if err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(tabCtx, ctx)
	defer cancel()

	var buf []byte
	err = s.runActions(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := page.PrintToPDF().WithPrintBackground(s.printBackground).Do(ctx)
		buf = data
		return err
	}))
	if err != nil {
		return nil, s.wrap(err, "failed to print page")
	}
	if len(buf) == 0 {
		return nil, schemas.ErrEmptyExport
	}
	return buf, nil
}
