package browser

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// PrintRenderer shows merged label PDFs in an inactive browser tab, where the
// operator prints them with the viewer's print control.
type PrintRenderer struct {
	m   *Manager
	dir string
}

// Renderer returns a printing.Renderer that writes documents under dir
// (os.TempDir when empty).
func (m *Manager) Renderer(dir string) *PrintRenderer {
	return &PrintRenderer{m: m, dir: dir}
}

// Render implements printing.Renderer.
func (r *PrintRenderer) Render(ctx context.Context, pdf []byte) (func(context.Context) error, error) {
	if err := r.m.ensureStarted(ctx); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(r.dir, "labels-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create print file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(pdf); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write print file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	target := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()

	r.m.mu.RLock()
	browser := r.m.browser
	r.m.mu.RUnlock()

	page, err := browser.Page(proto.TargetCreateTarget{URL: target, Background: true})
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("open print tab: %w", err)
	}
	r.m.log.Info("print tab opened", zap.String("tab", string(page.TargetID)), zap.String("file", abs))

	return func(context.Context) error {
		closeErr := page.Close()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return closeErr
	}, nil
}
