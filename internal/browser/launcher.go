package browser

import (
	"context"
	"fmt"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
	"github.com/xkilldash9x/pdfharvest/internal/config"
)

// Launcher starts one local Chrome process per session.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

var _ schemas.BrowserLauncher = (*Launcher)(nil)

// NewLauncher returns a Launcher for the given browser settings.
func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger.Named("browser")}
}

// Launch starts the browser, attaches its first tab as the base window and
// routes downloads into opts.DownloadDir. A canceled ctx aborts the launch
// and releases the process.
func (l *Launcher) Launch(ctx context.Context, opts schemas.LaunchOptions) (schemas.BrowserSession, error) {
	s := newSession(l.logger, opts, l.cfg.OperationTimeout)

	// The browser must outlive the request that launched it; its lifetime is
	// bounded by Terminate instead.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(l.cfg)...)
	s.allocCancel = allocCancel

	sugar := l.logger.Sugar()
	ctxOpts := []chromedp.ContextOption{
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Warnf),
	}
	if l.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(sugar.Debugf))
	}
	s.browserCtx, s.browserCancel = chromedp.NewContext(allocCtx, ctxOpts...)

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(s.browserCtx)
	}()

	select {
	case err := <-started:
		if err != nil {
			_ = s.Terminate()
			return nil, fmt.Errorf("failed to start browser: %w", err)
		}
	case <-ctx.Done():
		_ = s.Terminate()
		<-started
		return nil, fmt.Errorf("browser launch canceled: %w", ctx.Err())
	}

	c := chromedp.FromContext(s.browserCtx)
	base := c.Target.TargetID
	s.mu.Lock()
	s.baseID = base
	s.windows[base] = &window{id: base, ctx: s.browserCtx}
	s.order = []target.ID{base}
	s.current = base
	s.mu.Unlock()

	if opts.DownloadDir != "" {
		opCtx, cancel := s.operationContext(s.browserCtx, ctx)
		err := chromedp.Run(opCtx, cdpbrowser.
			SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(opts.DownloadDir))
		cancel()
		if err != nil {
			_ = s.Terminate()
			return nil, fmt.Errorf("failed to set download directory: %w", err)
		}
	}

	l.logger.Info("Browser session launched.",
		zap.String("base_window", string(base)),
		zap.Bool("headless", l.cfg.Headless),
		zap.String("download_dir", opts.DownloadDir))
	return s, nil
}
