package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/launcher"
)

// InstallChrome makes sure a Chromium build is available and returns its
// path. A browser already on the system is preferred; otherwise rod's
// pinned revision (or the given one) is downloaded.
func InstallChrome(ctx context.Context, revision int) (string, error) {
	if revision <= 0 {
		if path, ok := launcher.LookPath(); ok {
			return path, nil
		}
	}

	downloader := launcher.NewBrowser()
	downloader.Context = ctx
	if revision > 0 {
		downloader.Revision = revision
	}

	path, err := downloader.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download chrome: %w", err)
	}

	return path, nil
}
