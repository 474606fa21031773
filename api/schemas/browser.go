package schemas

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionClosed is returned by every BrowserSession method once the
	// session has been terminated.
	ErrSessionClosed = errors.New("browser session is closed")
	// ErrEmptyExport is returned when a PDF export produced no bytes.
	ErrEmptyExport = errors.New("pdf export returned no data")
	// ErrNoWindow is returned when an operation needs a focused window and none is.
	ErrNoWindow = errors.New("no browser window is focused")
	// ErrUnknownWindow is returned when switching to a window that does not exist.
	ErrUnknownWindow = errors.New("unknown browser window")
)

// WindowID identifies a browser window (a page target).
type WindowID string

// Element is a handle to a DOM node inside a specific window.
type Element struct {
	NodeID int64    `json:"nodeId"`
	Window WindowID `json:"window"`
}

// LaunchOptions configures one browser session.
type LaunchOptions struct {
	// DownloadDir is where the browser saves any file downloads.
	DownloadDir string
	// CellSelector locates cells below a row element for ReadCellTexts.
	CellSelector string
	// PrintBackground includes background graphics in PDF exports.
	PrintBackground bool
}

// BrowserLauncher creates browser sessions.
type BrowserLauncher interface {
	Launch(ctx context.Context, opts LaunchOptions) (BrowserSession, error)
}

// BrowserSession is the capability surface a harvest run needs from a
// controlled browser. Implementations must make Terminate idempotent and
// safe to call concurrently with any other method.
type BrowserSession interface {
	// Navigate loads url in the focused window.
	Navigate(ctx context.Context, url string) error
	// OpenInNewWindow opens url in a new window without focusing it.
	OpenInNewWindow(ctx context.Context, url string) (WindowID, error)
	// ListWindows returns the open windows in the order they were created.
	ListWindows(ctx context.Context) ([]WindowID, error)
	// SwitchToWindow focuses the given window.
	SwitchToWindow(ctx context.Context, id WindowID) error
	// CloseCurrentWindow closes the focused window. Nothing is focused afterwards.
	CloseCurrentWindow(ctx context.Context) error
	// CurrentWindow returns the focused window, or "" when none is.
	CurrentWindow() WindowID

	// FindAll returns every element in the focused window matching selector
	// without waiting for any to appear.
	FindAll(ctx context.Context, selector string) ([]Element, error)
	// WaitForAll waits up to timeout for at least one match, then returns all matches.
	WaitForAll(ctx context.Context, selector string, timeout time.Duration) ([]Element, error)
	// Click clicks an element.
	Click(ctx context.Context, el Element) error
	// ReadCellTexts returns the trimmed text of each cell below a row element.
	ReadCellTexts(ctx context.Context, row Element) ([]string, error)
	// ExportPDF renders the focused window to PDF.
	ExportPDF(ctx context.Context) ([]byte, error)

	// Terminate closes the browser and releases every resource it holds.
	Terminate() error
}
