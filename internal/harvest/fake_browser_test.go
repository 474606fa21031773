package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
)

// fakeTable scripts one table page and what happens when its rows are used.
// With rerender set, the rows are rebuilt every time the table window regains
// focus, and elements from an older render fail with "node not found".
type fakeTable struct {
	rerender  bool
	renders   int
	rows      [][]string
	rowsErr   error
	noDetail  map[int]bool
	clickErr  map[int]error
	cellsErr  map[int]error
	cellPanic map[int]bool
	emptyPDF  map[int]bool
	exportErr map[int]error
}

type fakeWindow struct {
	id    schemas.WindowID
	url   string
	table *fakeTable
	row   int // detail windows only, -1 otherwise
}

// fakeBrowser is an in-memory schemas.BrowserSession. Windows are kept in
// creation order. Element node IDs encode the table render and the 1-based
// row number as render*nodeStride + row.
type fakeBrowser struct {
	mu         sync.Mutex
	tables     map[string]*fakeTable
	windows    []*fakeWindow
	current    schemas.WindowID
	nextID     int
	closed     bool
	terminates int

	navigateErr error
	onClick     func(row int)
	exported    []string
}

const nodeStride = 1000

func newFakeBrowser(tables map[string]*fakeTable) *fakeBrowser {
	b := &fakeBrowser{tables: tables}
	base := b.addWindowLocked("about:blank", nil, -1)
	b.current = base.id
	return b
}

func (b *fakeBrowser) addWindowLocked(url string, table *fakeTable, row int) *fakeWindow {
	w := &fakeWindow{id: schemas.WindowID(fmt.Sprintf("w%d", b.nextID)), url: url, table: table, row: row}
	b.nextID++
	b.windows = append(b.windows, w)
	return w
}

func (b *fakeBrowser) windowLocked(id schemas.WindowID) *fakeWindow {
	for _, w := range b.windows {
		if w.id == id {
			return w
		}
	}
	return nil
}

func (b *fakeBrowser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return schemas.ErrSessionClosed
	}
	if b.navigateErr != nil {
		return b.navigateErr
	}
	w := b.windowLocked(b.current)
	if w == nil {
		return schemas.ErrNoWindow
	}
	w.url = url
	return nil
}

func (b *fakeBrowser) OpenInNewWindow(ctx context.Context, url string) (schemas.WindowID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", schemas.ErrSessionClosed
	}
	return b.addWindowLocked(url, b.tables[url], -1).id, nil
}

func (b *fakeBrowser) ListWindows(ctx context.Context) ([]schemas.WindowID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, schemas.ErrSessionClosed
	}
	ids := make([]schemas.WindowID, 0, len(b.windows))
	for _, w := range b.windows {
		ids = append(ids, w.id)
	}
	return ids, nil
}

func (b *fakeBrowser) SwitchToWindow(ctx context.Context, id schemas.WindowID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return schemas.ErrSessionClosed
	}
	w := b.windowLocked(id)
	if w == nil {
		return schemas.ErrUnknownWindow
	}
	if id != b.current && w.row < 0 && w.table != nil && w.table.rerender {
		w.table.renders++
	}
	b.current = id
	return nil
}

func (b *fakeBrowser) CloseCurrentWindow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return schemas.ErrSessionClosed
	}
	for i, w := range b.windows {
		if w.id == b.current {
			b.windows = append(b.windows[:i], b.windows[i+1:]...)
			b.current = ""
			return nil
		}
	}
	return schemas.ErrNoWindow
}

func (b *fakeBrowser) CurrentWindow() schemas.WindowID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ""
	}
	return b.current
}

func (b *fakeBrowser) FindAll(ctx context.Context, selector string) ([]schemas.Element, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, schemas.ErrSessionClosed
	}
	w := b.windowLocked(b.current)
	if w == nil {
		return nil, schemas.ErrNoWindow
	}
	if w.table == nil || w.row >= 0 {
		return nil, nil
	}
	els := make([]schemas.Element, len(w.table.rows))
	for i := range w.table.rows {
		els[i] = schemas.Element{NodeID: int64(w.table.renders*nodeStride + i + 1), Window: w.id}
	}
	return els, nil
}

func (b *fakeBrowser) WaitForAll(ctx context.Context, selector string, timeout time.Duration) ([]schemas.Element, error) {
	b.mu.Lock()
	w := b.windowLocked(b.current)
	if w != nil && w.table != nil && w.table.rowsErr != nil {
		b.mu.Unlock()
		return nil, w.table.rowsErr
	}
	b.mu.Unlock()

	els, err := b.FindAll(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("waiting for %q: %w", selector, context.DeadlineExceeded)
	}
	return els, nil
}

func (b *fakeBrowser) rowLocked(el schemas.Element) (*fakeWindow, int, error) {
	w := b.windowLocked(el.Window)
	if w == nil || w.table == nil {
		return nil, 0, errors.New("node not found")
	}
	render, row := int(el.NodeID)/nodeStride, int(el.NodeID)%nodeStride-1
	if render != w.table.renders || row < 0 || row >= len(w.table.rows) {
		return nil, 0, errors.New("node not found")
	}
	return w, row, nil
}

func (b *fakeBrowser) Click(ctx context.Context, el schemas.Element) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return schemas.ErrSessionClosed
	}
	w, row, err := b.rowLocked(el)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if err := w.table.clickErr[row]; err != nil {
		b.mu.Unlock()
		return err
	}
	if !w.table.noDetail[row] {
		b.addWindowLocked(fmt.Sprintf("%s#detail-%d", w.url, row), w.table, row)
	}
	hook := b.onClick
	b.mu.Unlock()

	if hook != nil {
		hook(row)
	}
	return nil
}

func (b *fakeBrowser) ReadCellTexts(ctx context.Context, el schemas.Element) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, schemas.ErrSessionClosed
	}
	w, row, err := b.rowLocked(el)
	if err != nil {
		return nil, err
	}
	if w.table.cellPanic[row] {
		panic(fmt.Sprintf("cell reader exploded on row %d", row))
	}
	if err := w.table.cellsErr[row]; err != nil {
		return nil, err
	}
	return append([]string(nil), w.table.rows[row]...), nil
}

func (b *fakeBrowser) ExportPDF(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, schemas.ErrSessionClosed
	}
	w := b.windowLocked(b.current)
	if w == nil {
		return nil, schemas.ErrNoWindow
	}
	if w.row >= 0 {
		if w.table.emptyPDF[w.row] {
			return nil, schemas.ErrEmptyExport
		}
		if err := w.table.exportErr[w.row]; err != nil {
			return nil, err
		}
	}
	b.exported = append(b.exported, w.url)
	return []byte("%PDF-1.4 " + w.url), nil
}

func (b *fakeBrowser) Terminate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminates++
	b.closed = true
	return nil
}

func (b *fakeBrowser) openWindows() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	urls := make([]string, 0, len(b.windows))
	for _, w := range b.windows {
		urls = append(urls, w.url)
	}
	return urls
}

func (b *fakeBrowser) renderCount(url string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tables[url].renders
}

func (b *fakeBrowser) terminateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminates
}

// rows builds n rows of three distinct cells.
func rows(n int) [][]string {
	out := make([][]string, n)
	for i := range out {
		out[i] = []string{fmt.Sprintf("W%d", i), fmt.Sprintf("P%d", i), fmt.Sprintf("D%d", i)}
	}
	return out
}
