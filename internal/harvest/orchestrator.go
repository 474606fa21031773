// Package harvest drives a browser through a login page and a list of data
// tables, exporting the detail view of every table row to a PDF.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
	"github.com/xkilldash9x/pdfharvest/internal/config"
	"github.com/xkilldash9x/pdfharvest/internal/session"
)

// Outcome messages returned to the caller.
const (
	msgScrapingFailed  = "Scraping failed"
	msgScrapingAborted = "Scraping aborted"
	msgBusy            = "A scrape is already in progress"
)

var errNoDetailWindow = errors.New("no detail window opened after click")

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the pause used between browser steps.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock replaces the clock used to stamp run reports.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs one harvest at a time. The run slot, the cancel flag and
// the progress log belong to the session.Context it is given.
type Orchestrator struct {
	cfg      config.HarvestConfig
	launcher schemas.BrowserLauncher
	sess     *session.Context
	logger   *zap.Logger
	sleep    SleepFunc
	now      func() time.Time
}

// New creates an Orchestrator.
func New(cfg config.HarvestConfig, launcher schemas.BrowserLauncher, sess *session.Context, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if launcher == nil || sess == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{
		cfg:      cfg,
		launcher: launcher,
		sess:     sess,
		logger:   logger.Named("harvest"),
		sleep:    chromedpSleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func chromedpSleep(ctx context.Context, d time.Duration) error {
	return chromedp.Sleep(d).Do(ctx)
}

// Session returns the shared session state.
func (o *Orchestrator) Session() *session.Context {
	return o.sess
}

// Abort cancels the current run and terminates its browser. It is safe to
// call at any time, including when no run is active.
func (o *Orchestrator) Abort() {
	terminated, err := o.sess.Abort()
	switch {
	case err != nil:
		line := fmt.Sprintf("Error closing browser: %v", err)
		o.sess.Log().Publish(line)
		o.logger.Warn(line, zap.String("run_id", o.sess.RunID()), zap.Error(&TeardownError{Err: err}))
	case terminated:
		const line = "Browser closed due to abort request"
		o.sess.Log().Publish(line)
		o.logger.Info(line, zap.String("run_id", o.sess.RunID()))
	default:
		o.logger.Debug("Abort requested with no browser running.")
	}
}

// Run executes a harvest and returns its single terminal outcome. Row and
// table failures are recorded in the outcome's report and never end the run.
func (o *Orchestrator) Run(ctx context.Context, req schemas.RunRequest) schemas.RunOutcome {
	if err := Validate(req); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return schemas.RunOutcome{Error: verr.Message, Details: verr.Fields, Kind: schemas.KindValidation}
		}
		return schemas.RunOutcome{Error: MsgInvalidFields, Details: err.Error(), Kind: schemas.KindValidation}
	}

	runCtx, end, err := o.sess.Begin(ctx)
	if err != nil {
		return schemas.RunOutcome{Error: msgBusy, Details: err.Error(), Kind: schemas.KindBusy}
	}
	defer end()

	folder, _ := SanitizeFolder(req.FolderName)
	saveDir := filepath.Join(o.cfg.OutputDir, folder)
	id := o.sess.RunID()
	r := &run{
		Orchestrator: o,
		ctx:          runCtx,
		req:          req,
		logger:       o.logger.With(zap.String("run_id", id)),
		limiter:      newRowLimiter(o.cfg.RowRateLimit),
		saveDir:      saveDir,
		report: &schemas.RunReport{
			RunID:     id,
			Folder:    folder,
			SaveDir:   saveDir,
			StartedAt: o.now(),
		},
	}

	outcome := r.execute()
	r.report.FinishedAt = o.now()
	outcome.Report = r.report

	r.logger.Info("Run finished.",
		zap.String("kind", string(outcome.Kind)),
		zap.Int("saved", r.report.Saved()),
		zap.Int("skipped", r.report.Skipped()),
		zap.Int("failed", r.report.Failed()),
		zap.Duration("duration", r.report.FinishedAt.Sub(r.report.StartedAt)))
	return outcome
}

func newRowLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// run holds the state of a single harvest.
type run struct {
	*Orchestrator
	ctx     context.Context
	req     schemas.RunRequest
	logger  *zap.Logger
	limiter *rate.Limiter
	saveDir string
	report  *schemas.RunReport
	base    schemas.WindowID
}

func (r *run) info(line string, fields ...zap.Field) {
	r.sess.Log().Publish(line)
	r.logger.Info(line, fields...)
}

func (r *run) warn(line string, fields ...zap.Field) {
	r.sess.Log().Publish(line)
	r.logger.Warn(line, fields...)
}

// browserGone reports whether err is the expected fallout of an abort.
func (r *run) browserGone(err error) bool {
	return r.sess.Cancelled() || errors.Is(err, schemas.ErrSessionClosed)
}

func (r *run) execute() schemas.RunOutcome {
	if err := os.MkdirAll(r.saveDir, 0o755); err != nil {
		cerr := &ConfigurationError{Path: r.saveDir, Err: err}
		r.warn(fmt.Sprintf("Error creating save directory: %v", err), zap.Error(cerr))
		return schemas.RunOutcome{
			Error:   fmt.Sprintf("Error creating save directory: %v", err),
			Details: cerr.Error(),
			Kind:    schemas.KindConfiguration,
		}
	}
	r.info("PDFs will be saved to: " + r.saveDir)

	r.info("Initializing browser session...")
	h, err := r.launcher.Launch(r.ctx, schemas.LaunchOptions{
		DownloadDir:     r.saveDir,
		CellSelector:    r.cfg.CellSelector,
		PrintBackground: r.cfg.PrintBackground,
	})
	if err != nil {
		if r.sess.Cancelled() {
			return r.aborted()
		}
		lerr := &SessionLaunchError{Err: err}
		r.warn(fmt.Sprintf("Error during scraping: %v", err), zap.Error(lerr))
		return schemas.RunOutcome{Error: msgScrapingFailed, Details: lerr.Error(), Kind: schemas.KindSessionLaunch}
	}
	if err := r.sess.Attach(h); err != nil {
		r.logger.Info("Run was aborted while the browser was starting.")
		return r.aborted()
	}
	defer r.teardown(h)
	r.info("Browser session initialized successfully")

	if err := r.login(h); err != nil {
		if r.browserGone(err) {
			return r.aborted()
		}
		r.warn(fmt.Sprintf("Error during scraping: %v", err), zap.Error(err))
		return schemas.RunOutcome{Error: msgScrapingFailed, Details: err.Error(), Kind: schemas.KindRun}
	}

	for t, tableURL := range r.req.TableURLs {
		if r.sess.Cancelled() {
			break
		}
		r.report.Tables = append(r.report.Tables, r.processTable(h, t, tableURL))
	}

	if r.sess.Cancelled() {
		return r.aborted()
	}
	return schemas.RunOutcome{
		Success: true,
		Message: fmt.Sprintf("Scraping completed. PDFs saved in '%s' folder.", filepath.ToSlash(r.saveDir)),
	}
}

func (r *run) aborted() schemas.RunOutcome {
	r.report.Aborted = true
	r.info(msgScrapingAborted)
	return schemas.RunOutcome{Error: msgScrapingAborted, Details: "Operation aborted", Kind: schemas.KindAborted}
}

func (r *run) login(h schemas.BrowserSession) error {
	if err := h.Navigate(r.ctx, r.req.LoginURL); err != nil {
		return fmt.Errorf("failed to open login page: %w", err)
	}
	r.info("Opened login page")

	if err := r.sleep(r.ctx, r.cfg.LoginSettle); err != nil {
		return err
	}

	windows, err := h.ListWindows(r.ctx)
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}
	if len(windows) == 0 {
		return schemas.ErrNoWindow
	}
	r.base = windows[0]
	return nil
}

// teardown releases the browser exactly once. When an abort already
// terminated it, there is nothing left to report.
func (r *run) teardown(h schemas.BrowserSession) {
	released, err := r.sess.Release(h)
	switch {
	case !released:
		r.logger.Debug("Browser was already closed by an abort.")
	case err != nil:
		r.warn(fmt.Sprintf("Error closing browser: %v", err), zap.Error(&TeardownError{Err: err}))
	default:
		r.info("Browser closed")
	}
}

// -- Tables --

func (r *run) processTable(h schemas.BrowserSession, t int, tableURL string) (res schemas.TableResult) {
	res = schemas.TableResult{Index: t, URL: tableURL, Status: schemas.StatusOK}
	r.info(fmt.Sprintf("Opening table URL %d", t+1))

	var tableWin schemas.WindowID
	defer func() { r.leaveTable(h, tableWin) }()
	defer func() {
		if p := recover(); p != nil {
			err := &TableError{Table: t, Err: fmt.Errorf("panic: %v", p)}
			r.warn(fmt.Sprintf("Error processing table %d: %v", t+1, err.Err), zap.Error(err))
			res.Status = schemas.StatusFailed
			res.Reason = err.Error()
		}
	}()

	win, err := r.openTable(h, tableURL)
	tableWin = win
	if err != nil {
		terr := &TableError{Table: t, Err: err}
		if !r.browserGone(err) {
			r.warn(fmt.Sprintf("Error opening table URL %d: %v", t+1, err), zap.Error(terr))
		}
		res.Status = schemas.StatusFailed
		res.Reason = terr.Error()
		return res
	}

	rows, err := h.WaitForAll(r.ctx, r.cfg.RowSelector, r.cfg.RowsWaitTimeout)
	if err != nil {
		terr := &TableError{Table: t, Err: err}
		if !r.browserGone(err) {
			r.warn(fmt.Sprintf("Error finding rows in table %d: %v", t+1, err), zap.Error(terr))
		}
		res.Status = schemas.StatusFailed
		res.Reason = terr.Error()
		return res
	}
	r.info(fmt.Sprintf("Found %d rows in table %d", len(rows), t+1))

	for i := r.req.StartIndex.Offset(); i < len(rows); i++ {
		if r.sess.Cancelled() {
			break
		}
		if err := r.limiter.Wait(r.ctx); err != nil {
			break
		}
		res.Rows = append(res.Rows, r.processRow(h, t, i, tableWin))
	}
	return res
}

// openTable opens tableURL in a new window, focuses the newest window and
// waits for the page to load.
func (r *run) openTable(h schemas.BrowserSession, tableURL string) (schemas.WindowID, error) {
	opened, err := h.OpenInNewWindow(r.ctx, tableURL)
	if err != nil {
		return "", fmt.Errorf("failed to open window: %w", err)
	}
	newest, err := r.newestWindow(h)
	if err != nil {
		return opened, err
	}
	if err := h.SwitchToWindow(r.ctx, newest); err != nil {
		return opened, fmt.Errorf("failed to switch to table window: %w", err)
	}
	if err := r.sleep(r.ctx, r.cfg.TableLoadWait); err != nil {
		return newest, err
	}
	return newest, nil
}

func (r *run) newestWindow(h schemas.BrowserSession) (schemas.WindowID, error) {
	windows, err := h.ListWindows(r.ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list windows: %w", err)
	}
	if len(windows) == 0 {
		return "", schemas.ErrNoWindow
	}
	return windows[len(windows)-1], nil
}

// leaveTable closes the table window and returns focus to the base window.
func (r *run) leaveTable(h schemas.BrowserSession, tableWin schemas.WindowID) {
	if r.sess.Cancelled() {
		return
	}
	err := r.closeWindow(h, tableWin)
	if err == nil && r.base != "" {
		err = h.SwitchToWindow(r.ctx, r.base)
	}
	if err != nil && !r.browserGone(err) {
		r.warn(fmt.Sprintf("Error closing table window: %v", err), zap.Error(err))
	}
}

// closeWindow focuses and closes id. The base window is never closed.
func (r *run) closeWindow(h schemas.BrowserSession, id schemas.WindowID) error {
	if id == "" || id == r.base {
		return nil
	}
	if h.CurrentWindow() != id {
		if err := h.SwitchToWindow(r.ctx, id); err != nil {
			if errors.Is(err, schemas.ErrUnknownWindow) {
				return nil
			}
			return err
		}
	}
	return h.CloseCurrentWindow(r.ctx)
}

// -- Rows --

// rowState carries what the deferred focus restore needs to know.
type rowState struct {
	detail schemas.WindowID
}

func (r *run) processRow(h schemas.BrowserSession, t, i int, tableWin schemas.WindowID) (res schemas.RowResult) {
	r.info(fmt.Sprintf("Processing row %d", i+1))

	st := &rowState{}
	defer r.restoreTable(h, tableWin, st)
	defer func() {
		if p := recover(); p != nil {
			res = r.rowFailed(t, i, fmt.Errorf("panic: %v", p))
		}
	}()

	return r.harvestRow(h, t, i, st)
}

func (r *run) harvestRow(h schemas.BrowserSession, t, i int, st *rowState) schemas.RowResult {
	live, err := h.FindAll(r.ctx, r.cfg.RowSelector)
	if err != nil {
		return r.rowFailed(t, i, fmt.Errorf("failed to find rows: %w", err))
	}
	if len(live) == 0 {
		r.info("No rows found, skipping...")
		return rowSkipped(t, i, "no rows found")
	}
	if i >= len(live) {
		return r.rowFailed(t, i, fmt.Errorf("row %d is gone, table now has %d rows", i+1, len(live)))
	}
	row := live[i]

	before, err := h.ListWindows(r.ctx)
	if err != nil {
		return r.rowFailed(t, i, fmt.Errorf("failed to list windows: %w", err))
	}
	if err := h.Click(r.ctx, row); err != nil {
		return r.rowFailed(t, i, fmt.Errorf("failed to click row: %w", err))
	}
	detail, err := r.awaitNewWindow(h, len(before))
	if errors.Is(err, errNoDetailWindow) {
		r.info(fmt.Sprintf("Detail view did not open for row %d, skipping...", i+1))
		return rowSkipped(t, i, err.Error())
	}
	if err != nil {
		return r.rowFailed(t, i, err)
	}
	st.detail = detail

	name := r.rowFilename(h, row, t, i)

	if err := h.SwitchToWindow(r.ctx, detail); err != nil {
		return r.rowFailed(t, i, fmt.Errorf("failed to switch to detail window: %w", err))
	}
	if err := r.sleep(r.ctx, r.cfg.DetailSwitchWait); err != nil {
		return r.rowFailed(t, i, err)
	}

	pdf, err := h.ExportPDF(r.ctx)
	if (err == nil && len(pdf) == 0) || errors.Is(err, schemas.ErrEmptyExport) {
		r.info("Failed to generate PDF, skipping...")
		return rowSkipped(t, i, schemas.ErrEmptyExport.Error())
	}
	if err != nil {
		if r.browserGone(err) {
			return r.rowFailed(t, i, err)
		}
		r.warn(fmt.Sprintf("Error saving PDF: %v", err), zap.Error(&RowError{Table: t, Row: i, Err: err}))
		return schemas.RowResult{Table: t, Row: i, Status: schemas.StatusFailed, Reason: err.Error()}
	}

	path := filepath.Join(r.saveDir, name)
	err = r.sess.Commit(func() error {
		return os.WriteFile(path, pdf, 0o644)
	})
	switch {
	case errors.Is(err, session.ErrAborted):
		r.logger.Debug("Discarded export after abort.", zap.String("file", name))
		return rowSkipped(t, i, err.Error())
	case err != nil:
		r.warn(fmt.Sprintf("Error saving PDF: %v", err), zap.Error(&RowError{Table: t, Row: i, Err: err}))
		return schemas.RowResult{Table: t, Row: i, Status: schemas.StatusFailed, Reason: err.Error()}
	}

	r.info("Saved: "+name, zap.Int("bytes", len(pdf)))
	return schemas.RowResult{Table: t, Row: i, Status: schemas.StatusOK, File: name}
}

// rowFilename reads the row's cells and derives its filename, falling back
// to the positional name on any error.
func (r *run) rowFilename(h schemas.BrowserSession, row schemas.Element, t, i int) string {
	cells, err := h.ReadCellTexts(r.ctx, row)
	if err != nil {
		r.warn(fmt.Sprintf("Error extracting row data: %v", err))
		return FallbackFilename(t, i)
	}
	name, err := ExtractFilename(cells, t, i)
	if err != nil {
		r.warn(fmt.Sprintf("Error extracting row data: %v", err))
	}
	return name
}

// awaitNewWindow polls until more than before windows are open and returns
// the newest one. It gives up after row_click_wait.
func (r *run) awaitNewWindow(h schemas.BrowserSession, before int) (schemas.WindowID, error) {
	attempts := 0
	if r.cfg.PollInterval > 0 {
		attempts = int(r.cfg.RowClickWait / r.cfg.PollInterval)
	}
	for attempt := 0; ; attempt++ {
		windows, err := h.ListWindows(r.ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list windows: %w", err)
		}
		if len(windows) > before {
			return windows[len(windows)-1], nil
		}
		if attempt >= attempts {
			return "", errNoDetailWindow
		}
		if err := r.sleep(r.ctx, r.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

// restoreTable closes whatever the row opened and focuses the table window.
func (r *run) restoreTable(h schemas.BrowserSession, tableWin schemas.WindowID, st *rowState) {
	if r.sess.Cancelled() {
		return
	}

	stray := st.detail
	if stray == "" {
		if cur := h.CurrentWindow(); cur != tableWin {
			stray = cur
		}
	}

	var err error
	if stray != tableWin {
		err = r.closeWindow(h, stray)
	}
	if err == nil && h.CurrentWindow() != tableWin {
		err = h.SwitchToWindow(r.ctx, tableWin)
	}
	if err != nil {
		if !r.browserGone(err) {
			r.warn(fmt.Sprintf("Error restoring table window: %v", err), zap.Error(err))
		}
		return
	}
	_ = r.sleep(r.ctx, r.cfg.RowPause)
}

func (r *run) rowFailed(t, i int, err error) schemas.RowResult {
	rerr := &RowError{Table: t, Row: i, Err: err}
	if r.browserGone(err) {
		r.logger.Debug("Row interrupted by abort.", zap.Error(rerr))
	} else {
		r.warn(fmt.Sprintf("Error processing row %d: %v", i+1, err), zap.Error(rerr))
	}
	return schemas.RowResult{Table: t, Row: i, Status: schemas.StatusFailed, Reason: err.Error()}
}

func rowSkipped(t, i int, reason string) schemas.RowResult {
	return schemas.RowResult{Table: t, Row: i, Status: schemas.StatusSkipped, Reason: reason}
}
