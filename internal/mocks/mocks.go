// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
)

// -- Browser Launcher Mock --

// MockBrowserLauncher mocks schemas.BrowserLauncher.
type MockBrowserLauncher struct {
	mock.Mock
}

func (m *MockBrowserLauncher) Launch(ctx context.Context, opts schemas.LaunchOptions) (schemas.BrowserSession, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(schemas.BrowserSession), args.Error(1)
}

// -- Browser Session Mock --

// MockBrowserSession mocks schemas.BrowserSession.
type MockBrowserSession struct {
	mock.Mock
}

func (m *MockBrowserSession) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}

func (m *MockBrowserSession) OpenInNewWindow(ctx context.Context, url string) (schemas.WindowID, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(schemas.WindowID), args.Error(1)
}

func (m *MockBrowserSession) ListWindows(ctx context.Context) ([]schemas.WindowID, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.WindowID), args.Error(1)
}

func (m *MockBrowserSession) SwitchToWindow(ctx context.Context, id schemas.WindowID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockBrowserSession) CloseCurrentWindow(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockBrowserSession) CurrentWindow() schemas.WindowID {
	return m.Called().Get(0).(schemas.WindowID)
}

func (m *MockBrowserSession) FindAll(ctx context.Context, selector string) ([]schemas.Element, error) {
	args := m.Called(ctx, selector)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Element), args.Error(1)
}

func (m *MockBrowserSession) WaitForAll(ctx context.Context, selector string, timeout time.Duration) ([]schemas.Element, error) {
	args := m.Called(ctx, selector, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Element), args.Error(1)
}

func (m *MockBrowserSession) Click(ctx context.Context, el schemas.Element) error {
	return m.Called(ctx, el).Error(0)
}

func (m *MockBrowserSession) ReadCellTexts(ctx context.Context, row schemas.Element) ([]string, error) {
	args := m.Called(ctx, row)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBrowserSession) ExportPDF(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBrowserSession) Terminate() error {
	return m.Called().Error(0)
}
