package browser

import (
	"context"
	"fmt"

	"screenwatch-mcp-server/internal/observer"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// repaintQuality keeps the throwaway repaint screenshot small.
const repaintQuality = 10

// PageDriver adapts a Rod page to observer.Driver.
type PageDriver struct {
	page *rod.Page
}

var _ observer.Driver = (*PageDriver)(nil)

func NewPageDriver(page *rod.Page) *PageDriver {
	return &PageDriver{page: page}
}

func (d *PageDriver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *PageDriver) elements(ctx context.Context, p observer.Probe) (rod.Elements, error) {
	page := d.page.Context(ctx)
	switch p.Kind {
	case observer.ProbeCSS:
		return page.Elements(p.Expr)
	case observer.ProbeXPath, "":
		return page.ElementsX(p.Expr)
	default:
		return nil, fmt.Errorf("unsupported probe kind %q", p.Kind)
	}
}

// Probe never waits for elements to appear.
func (d *PageDriver) Probe(ctx context.Context, p observer.Probe) (observer.ProbeResult, error) {
	els, err := d.elements(ctx, p)
	if err != nil {
		return observer.ProbeResult{}, err
	}
	res := observer.ProbeResult{Present: len(els) > 0}
	for _, el := range els {
		if visible, err := el.Visible(); err == nil && visible {
			res.Visible = true
			break
		}
	}
	return res, nil
}

func (d *PageDriver) Click(ctx context.Context, p observer.Probe) error {
	els, err := d.elements(ctx, p)
	if err != nil {
		return err
	}
	for _, el := range els {
		if visible, err := el.Visible(); err != nil || !visible {
			continue
		}
		return el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
	}
	return fmt.Errorf("no visible element for %s", p)
}

// PressEscape dispatches the key events directly so ctx bounds both of them.
func (d *PageDriver) PressEscape(ctx context.Context) error {
	page := d.page.Context(ctx)
	for _, t := range []proto.InputDispatchKeyEventType{
		proto.InputDispatchKeyEventTypeKeyDown,
		proto.InputDispatchKeyEventTypeKeyUp,
	} {
		if err := input.Escape.Encode(t, 0).Call(page); err != nil {
			return err
		}
	}
	return nil
}

func (d *PageDriver) NavigateBack(ctx context.Context) error {
	return d.page.Context(ctx).NavigateBack()
}

func (d *PageDriver) Reload(ctx context.Context) error {
	return d.page.Context(ctx).Reload()
}

func (d *PageDriver) Repaint(ctx context.Context) error {
	quality := repaintQuality
	_, err := d.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
	})
	return err
}
