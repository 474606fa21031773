package browser

import (
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/pdfharvest/internal/config"
)

// allocatorFlag is one Chrome command-line switch, without the leading dashes.
// A string value renders as --name=value; true renders as --name; false
// suppresses the switch.
type allocatorFlag struct {
	Name  string
	Value interface{}
}

// allocatorFlags translates the browser config into Chrome switches, in the
// order they are applied. Later entries win over earlier ones.
func allocatorFlags(cfg config.BrowserConfig) []allocatorFlag {
	flags := []allocatorFlag{
		{"disable-gpu", true},
		{"no-sandbox", true},
		{"disable-dev-shm-usage", true},
	}

	if cfg.Headless {
		flags = append(flags, allocatorFlag{"headless", "new"})
	} else {
		flags = append(flags,
			allocatorFlag{"headless", false},
			allocatorFlag{"hide-scrollbars", false},
			allocatorFlag{"mute-audio", false},
		)
	}

	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags = append(flags, allocatorFlag{"window-size", fmt.Sprintf("%d,%d", w, h)})
	}

	if cfg.IgnoreTLSErrors {
		flags = append(flags,
			allocatorFlag{"ignore-certificate-errors", true},
			allocatorFlag{"allow-insecure-localhost", true},
		)
	}

	if cfg.DisableCache {
		flags = append(flags,
			allocatorFlag{"disk-cache-size", "0"},
			allocatorFlag{"media-cache-size", "0"},
			allocatorFlag{"disable-cache", true},
		)
	}

	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			flags = append(flags, allocatorFlag{key, value})
		} else {
			flags = append(flags, allocatorFlag{arg, true})
		}
	}
	return flags
}

// DefaultAllocatorOptions builds the exec-allocator options for a harvest
// browser: chromedp's defaults, then the switches derived from cfg.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	for _, f := range allocatorFlags(cfg) {
		opts = append(opts, chromedp.Flag(f.Name, f.Value))
	}

	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}
