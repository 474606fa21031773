package harvest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
	"github.com/xkilldash9x/pdfharvest/internal/config"
	"github.com/xkilldash9x/pdfharvest/internal/mocks"
	"github.com/xkilldash9x/pdfharvest/internal/progress"
	"github.com/xkilldash9x/pdfharvest/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	loginURL = "https://x/login"
	table1   = "https://x/t1"
	table2   = "https://x/t2"
)

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func testHarvestConfig(t *testing.T) config.HarvestConfig {
	t.Helper()
	return config.HarvestConfig{
		OutputDir:       filepath.Join(t.TempDir(), "pdf_output"),
		RowSelector:     config.DefaultRowSelector,
		CellSelector:    "td",
		RowsWaitTimeout: time.Second,
		RowClickWait:    time.Second,
		PollInterval:    250 * time.Millisecond,
		PrintBackground: true,
	}
}

type harness struct {
	orch     *Orchestrator
	sess     *session.Context
	launcher *mocks.MockBrowserLauncher
	browser  *fakeBrowser
	cfg      config.HarvestConfig
}

// newHarness wires an Orchestrator to a scripted browser. The launcher hands
// out b on every Launch.
func newHarness(t *testing.T, b *fakeBrowser) *harness {
	t.Helper()
	cfg := testHarvestConfig(t)
	logger := zaptest.NewLogger(t)
	sess := session.New(progress.New(), logger)

	launcher := new(mocks.MockBrowserLauncher)
	if b != nil {
		launcher.On("Launch", mock.Anything, schemas.LaunchOptions{
			DownloadDir:     filepath.Join(cfg.OutputDir, "case1"),
			CellSelector:    "td",
			PrintBackground: true,
		}).Return(b, nil)
	}

	orch, err := New(cfg, launcher, sess, logger, WithSleep(noSleep))
	require.NoError(t, err)
	return &harness{orch: orch, sess: sess, launcher: launcher, browser: b, cfg: cfg}
}

func (h *harness) saveDir() string {
	return filepath.Join(h.cfg.OutputDir, "case1")
}

func (h *harness) savedFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.saveDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// request builds a valid RunRequest. startIndex is the 1-based row number a
// user would type; 0 leaves it unset.
func request(startIndex int, urls ...string) schemas.RunRequest {
	return schemas.RunRequest{
		LoginURL:   loginURL,
		TableURLs:  urls,
		FolderName: "case1",
		StartIndex: schemas.StartIndex(schemas.NormalizeStartIndex(strconv.Itoa(startIndex))),
	}
}

func TestNew_RejectsNilDependencies(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sess := session.New(progress.New(), logger)

	_, err := New(config.HarvestConfig{}, nil, sess, logger)
	assert.Error(t, err)
	_, err = New(config.HarvestConfig{}, new(mocks.MockBrowserLauncher), nil, logger)
	assert.Error(t, err)
}

func TestRun_EndToEnd(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{
		table1: {
			rows:     [][]string{{"W0", "P0", "D0"}, {"W1", "P1", "Dist A"}, {"W2", "P2", "D2"}},
			emptyPDF: map[int]bool{2: true},
		},
	})
	h := newHarness(t, b)
	h.sess.Log().Publish("stale line from an earlier run")

	out := h.orch.Run(context.Background(), request(2, table1))

	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, schemas.KindSuccess, out.Kind)
	assert.Contains(t, out.Message, "case1")
	assert.Empty(t, out.Error)

	assert.Equal(t, []string{"W1_P1_DistA.pdf"}, h.savedFiles(t))
	data, err := os.ReadFile(filepath.Join(h.saveDir(), "W1_P1_DistA.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 https://x/t1#detail-1", string(data))

	wantRows := []schemas.RowResult{
		{Table: 0, Row: 1, Status: schemas.StatusOK, File: "W1_P1_DistA.pdf"},
		{Table: 0, Row: 2, Status: schemas.StatusSkipped, Reason: schemas.ErrEmptyExport.Error()},
	}
	require.Len(t, out.Report.Tables, 1)
	assert.Equal(t, schemas.StatusOK, out.Report.Tables[0].Status)
	if diff := cmp.Diff(wantRows, out.Report.Tables[0].Rows); diff != "" {
		t.Errorf("row results mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, out.Report.Saved())
	assert.Equal(t, 1, out.Report.Skipped())
	assert.False(t, out.Report.Aborted)

	wantLog := []string{
		"PDFs will be saved to: " + h.saveDir(),
		"Initializing browser session...",
		"Browser session initialized successfully",
		"Opened login page",
		"Opening table URL 1",
		"Found 3 rows in table 1",
		"Processing row 2",
		"Saved: W1_P1_DistA.pdf",
		"Processing row 3",
		"Failed to generate PDF, skipping...",
		"Browser closed",
	}
	if diff := cmp.Diff(wantLog, h.sess.Log().Drain()); diff != "" {
		t.Errorf("log lines mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 1, b.terminateCount())
	assert.False(t, h.sess.Busy())
	assert.False(t, h.sess.Active())
	h.launcher.AssertExpectations(t)
}

func TestRun_WindowsAreRestored(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{
		table1: {rows: rows(2)},
		table2: {rows: rows(1)},
	})
	var openAtClick []int
	b.onClick = func(int) {
		openAtClick = append(openAtClick, len(b.openWindows()))
	}
	h := newHarness(t, b)

	out := h.orch.Run(context.Background(), request(0, table1, table2))
	require.True(t, out.Success)

	// base + table + the detail opened by the click
	assert.Equal(t, []int{3, 3, 3}, openAtClick)
	assert.Equal(t, []string{loginURL}, b.openWindows())
	assert.Equal(t, []string{"W0_P0_D0.pdf", "W1_P1_D1.pdf"}, h.savedFiles(t))
}

func TestRun_TableFailureDoesNotStopLaterTables(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{
		table1: {rows: rows(3), rowsErr: errors.New("waiting for selector: context deadline exceeded")},
		table2: {rows: rows(1)},
	})
	h := newHarness(t, b)

	out := h.orch.Run(context.Background(), request(0, table1, table2))
	require.True(t, out.Success)

	require.Len(t, out.Report.Tables, 2)
	assert.Equal(t, schemas.StatusFailed, out.Report.Tables[0].Status)
	assert.Contains(t, out.Report.Tables[0].Reason, "table 1")
	assert.Empty(t, out.Report.Tables[0].Rows)
	assert.Equal(t, schemas.StatusOK, out.Report.Tables[1].Status)
	assert.Equal(t, []string{"W0_P0_D0.pdf"}, h.savedFiles(t))

	lines := h.sess.Log().Drain()
	assert.Contains(t, lines, "Error finding rows in table 1: waiting for selector: context deadline exceeded")
	assert.Contains(t, lines, "Found 1 rows in table 2")
	assert.Equal(t, []string{loginURL}, b.openWindows(), "the failed table window is closed too")
}

func TestRun_RowFailuresAreIsolated(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{
		table1: {
			rows:      rows(6),
			clickErr:  map[int]error{0: errors.New("node is detached")},
			cellPanic: map[int]bool{1: true},
			noDetail:  map[int]bool{2: true},
			cellsErr:  map[int]error{3: errors.New("stale element")},
			exportErr: map[int]error{4: errors.New("printing failed")},
		},
	})
	h := newHarness(t, b)

	out := h.orch.Run(context.Background(), request(0, table1))
	require.True(t, out.Success)

	got := out.Report.Tables[0].Rows
	want := []schemas.RowResult{
		{Table: 0, Row: 0, Status: schemas.StatusFailed},
		{Table: 0, Row: 1, Status: schemas.StatusFailed},
		{Table: 0, Row: 2, Status: schemas.StatusSkipped},
		{Table: 0, Row: 3, Status: schemas.StatusOK, File: "table1_row4.pdf"},
		{Table: 0, Row: 4, Status: schemas.StatusFailed},
		{Table: 0, Row: 5, Status: schemas.StatusOK, File: "W5_P5_D5.pdf"},
	}
	ignoreReason := cmp.FilterPath(func(p cmp.Path) bool {
		return p.Last().String() == ".Reason"
	}, cmp.Ignore())
	if diff := cmp.Diff(want, got, ignoreReason); diff != "" {
		t.Errorf("row results mismatch (-want +got):\n%s", diff)
	}
	assert.Contains(t, got[1].Reason, "panic")

	assert.Equal(t, []string{"W5_P5_D5.pdf", "table1_row4.pdf"}, h.savedFiles(t))

	lines := h.sess.Log().Drain()
	assert.Contains(t, lines, "Error processing row 1: failed to click row: node is detached")
	assert.Contains(t, lines, "Detail view did not open for row 3, skipping...")
	assert.Contains(t, lines, "Error extracting row data: stale element")
	assert.Contains(t, lines, "Error saving PDF: printing failed")
	assert.Equal(t, []string{loginURL}, b.openWindows())
}

func TestRun_WriteFailureIsRecorded(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{table1: {rows: rows(2)}})
	h := newHarness(t, b)
	// A directory squatting on the target filename makes the write fail.
	require.NoError(t, os.MkdirAll(filepath.Join(h.saveDir(), "W0_P0_D0.pdf"), 0o755))

	out := h.orch.Run(context.Background(), request(0, table1))
	require.True(t, out.Success)

	rows := out.Report.Tables[0].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, schemas.StatusFailed, rows[0].Status)
	assert.Equal(t, schemas.StatusOK, rows[1].Status)
	assert.Equal(t, []string{"W1_P1_D1.pdf"}, h.savedFiles(t))
}

func TestRun_StartIndexAppliesToEveryTable(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{
		table1: {rows: rows(3)},
		table2: {rows: [][]string{{"A", "B", "C"}, {"X", "Y", "Z"}}},
	})
	h := newHarness(t, b)

	out := h.orch.Run(context.Background(), request(2, table1, table2))
	require.True(t, out.Success)

	assert.Equal(t, []string{"W1_P1_D1.pdf", "W2_P2_D2.pdf", "X_Y_Z.pdf"}, h.savedFiles(t))
}

func TestRun_StartIndexPastLastRow(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{table1: {rows: rows(3)}})
	h := newHarness(t, b)

	out := h.orch.Run(context.Background(), request(10, table1))
	require.True(t, out.Success)
	assert.Equal(t, schemas.StatusOK, out.Report.Tables[0].Status)
	assert.Empty(t, out.Report.Tables[0].Rows)
	assert.Empty(t, h.savedFiles(t))
}

func TestRun_ValidationFailure(t *testing.T) {
	h := newHarness(t, nil)

	out := h.orch.Run(context.Background(), schemas.RunRequest{LoginURL: loginURL})

	assert.False(t, out.Success)
	assert.Equal(t, schemas.KindValidation, out.Kind)
	assert.Equal(t, MsgMissingFields, out.Error)
	assert.Equal(t, map[string]string{
		"loginUrl": "provided", "urls": "required", "folderName": "required",
	}, out.Details)
	assert.Zero(t, h.sess.Log().Len())
	assert.Empty(t, h.sess.RunID(), "the run slot is never claimed")
	h.launcher.AssertNotCalled(t, "Launch", mock.Anything, mock.Anything)
}

func TestRun_ConfigurationFailure(t *testing.T) {
	h := newHarness(t, nil)
	// The output directory path is occupied by a regular file.
	require.NoError(t, os.MkdirAll(filepath.Dir(h.cfg.OutputDir), 0o755))
	require.NoError(t, os.WriteFile(h.cfg.OutputDir, []byte("not a dir"), 0o644))

	out := h.orch.Run(context.Background(), request(0, table1))

	assert.Equal(t, schemas.KindConfiguration, out.Kind)
	assert.Contains(t, out.Error, "Error creating save directory")
	lines := h.sess.Log().Drain()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Error creating save directory")
	assert.False(t, h.sess.Busy())
	h.launcher.AssertNotCalled(t, "Launch", mock.Anything, mock.Anything)
}

func TestRun_LaunchFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.On("Launch", mock.Anything, mock.Anything).
		Return(nil, errors.New("chrome not found in $PATH")).Once()

	out := h.orch.Run(context.Background(), request(0, table1))

	assert.Equal(t, schemas.KindSessionLaunch, out.Kind)
	assert.Equal(t, "Scraping failed", out.Error)
	assert.Contains(t, out.Details, "chrome not found")
	assert.Contains(t, h.sess.Log().Drain(), "Error during scraping: chrome not found in $PATH")
	assert.False(t, h.sess.Busy(), "the slot is free for the next run")
}

func TestRun_LoginFailureStillTearsDown(t *testing.T) {
	b := newFakeBrowser(nil)
	b.navigateErr = errors.New("net::ERR_CONNECTION_REFUSED")
	h := newHarness(t, b)

	out := h.orch.Run(context.Background(), request(0, table1))

	assert.Equal(t, schemas.KindRun, out.Kind)
	assert.Equal(t, "Scraping failed", out.Error)
	lines := h.sess.Log().Drain()
	assert.Contains(t, lines, "Error during scraping: failed to open login page: net::ERR_CONNECTION_REFUSED")
	assert.Equal(t, "Browser closed", lines[len(lines)-1])
	assert.Equal(t, 1, b.terminateCount())
}

func TestRun_RejectsSecondRun(t *testing.T) {
	h := newHarness(t, nil)
	_, end, err := h.sess.Begin(context.Background())
	require.NoError(t, err)
	defer end()

	out := h.orch.Run(context.Background(), request(0, table1))

	assert.Equal(t, schemas.KindBusy, out.Kind)
	assert.True(t, h.sess.Busy(), "the running session is undisturbed")
	h.launcher.AssertNotCalled(t, "Launch", mock.Anything, mock.Anything)
}

func TestRun_AbortMidRun(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{
		table1: {rows: rows(4)},
		table2: {rows: rows(4)},
	})
	h := newHarness(t, b)
	b.onClick = func(row int) {
		if row == 1 {
			h.orch.Abort()
		}
	}

	out := h.orch.Run(context.Background(), request(0, table1, table2))

	assert.False(t, out.Success)
	assert.Equal(t, schemas.KindAborted, out.Kind)
	assert.True(t, out.Report.Aborted)
	assert.Equal(t, []string{"W0_P0_D0.pdf"}, h.savedFiles(t), "nothing is written after the abort")
	require.Len(t, out.Report.Tables, 1, "later tables are not opened")
	assert.Len(t, out.Report.Tables[0].Rows, 2)

	lines := h.sess.Log().Drain()
	assert.Contains(t, lines, "Browser closed due to abort request")
	assert.NotContains(t, lines, "Browser closed")
	assert.NotContains(t, lines, "Opening table URL 2")
	require.NotEmpty(t, lines)
	assert.Equal(t, "Scraping aborted", lines[len(lines)-1])

	assert.Equal(t, 1, b.terminateCount())
	assert.False(t, h.sess.Active())
	assert.False(t, h.sess.Busy())
}

func TestRun_AbortDuringLaunch(t *testing.T) {
	b := newFakeBrowser(nil)
	h := newHarness(t, nil)
	h.launcher.On("Launch", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { h.orch.Abort() }).
		Return(b, nil).Once()

	out := h.orch.Run(context.Background(), request(0, table1))

	assert.Equal(t, schemas.KindAborted, out.Kind)
	assert.Equal(t, 1, b.terminateCount(), "a browser that arrives after the abort is closed")
	lines := h.sess.Log().Drain()
	assert.NotContains(t, lines, "Opened login page")
	assert.Contains(t, lines, "Scraping aborted")
}

func TestRun_StartDuringAbortUnwindIsBusy(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{table1: {rows: rows(3)}})
	h := newHarness(t, b)

	var second schemas.RunOutcome
	b.onClick = func(row int) {
		if row == 0 {
			h.orch.Abort()
			second = h.orch.Run(context.Background(), request(0, table1))
		}
	}

	out := h.orch.Run(context.Background(), request(0, table1))

	assert.Equal(t, schemas.KindBusy, second.Kind, "the slot is held until the aborted run returns")
	assert.Equal(t, schemas.KindAborted, out.Kind)
	lines := h.sess.Log().Drain()
	assert.NotContains(t, lines, "Processing row 2", "the rejected start does not clear the abort")
	assert.Equal(t, "Scraping aborted", lines[len(lines)-1])

	_, end, err := h.sess.Begin(context.Background())
	require.NoError(t, err, "the slot is free once the aborted run has returned")
	end()
}

func TestAbort_NoActiveRun(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{table1: {rows: rows(1)}})
	h := newHarness(t, b)

	h.orch.Abort()
	assert.Zero(t, h.sess.Log().Len())
	assert.False(t, h.sess.Active())

	out := h.orch.Run(context.Background(), request(0, table1))
	assert.True(t, out.Success, "a stale abort does not leak into the next run")
}

func TestRun_RunSurvivesCallerCancellation(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{table1: {rows: rows(2)}})
	h := newHarness(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	b.onClick = func(int) { cancel() }

	out := h.orch.Run(ctx, request(0, table1))

	assert.True(t, out.Success)
	assert.Len(t, h.savedFiles(t), 2)
}

func TestRun_RowsAreRefetchedAfterRerender(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{
		table1: {rows: rows(3), rerender: true},
	})
	h := newHarness(t, b)

	out := h.orch.Run(context.Background(), request(0, table1))

	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, []string{"W0_P0_D0.pdf", "W1_P1_D1.pdf", "W2_P2_D2.pdf"}, h.savedFiles(t))
	require.Len(t, out.Report.Tables, 1)
	for _, row := range out.Report.Tables[0].Rows {
		assert.Equal(t, schemas.StatusOK, row.Status, "row %d: %s", row.Row, row.Reason)
	}
	// One render on open and one each time a detail view hands focus back.
	assert.Equal(t, 4, b.renderCount(table1))
}

func TestNewRowLimiter(t *testing.T) {
	off := newRowLimiter(0)
	assert.Equal(t, rate.Inf, off.Limit())

	paced := newRowLimiter(2)
	assert.Equal(t, rate.Limit(2), paced.Limit())
	assert.Equal(t, 1, paced.Burst())
}

func TestRun_RowRateLimitPacesRows(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{table1: {rows: rows(3)}})
	h := newHarness(t, b)
	h.orch.cfg.RowRateLimit = 20

	start := time.Now()
	out := h.orch.Run(context.Background(), request(0, table1))
	elapsed := time.Since(start)

	require.True(t, out.Success, "outcome: %+v", out)
	assert.Len(t, h.savedFiles(t), 3)
	// The first row is free; the next two wait 50ms each.
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestRun_AbortWhileWaitingForRowSlot(t *testing.T) {
	b := newFakeBrowser(map[string]*fakeTable{table1: {rows: rows(3)}})
	h := newHarness(t, b)
	h.orch.cfg.RowRateLimit = 0.001
	b.onClick = func(row int) {
		if row == 0 {
			time.AfterFunc(50*time.Millisecond, h.orch.Abort)
		}
	}

	start := time.Now()
	out := h.orch.Run(context.Background(), request(0, table1))

	assert.Equal(t, schemas.KindAborted, out.Kind)
	assert.Less(t, time.Since(start), 5*time.Second, "the abort ends the wait for the next row")
	require.Len(t, out.Report.Tables, 1)
	assert.Len(t, out.Report.Tables[0].Rows, 1)
	assert.NotContains(t, h.sess.Log().Drain(), "Processing row 2")
	assert.False(t, h.sess.Busy())
}
