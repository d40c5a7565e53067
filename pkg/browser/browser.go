// Package browser wraps go-rod/rod (+ go-rod/stealth) behind a
// capability interface: render_page, evaluate_script,
// click_by_selector, export_cookies, new_screencast.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/leadforge/leadforge/pkg/store"
)

// Frame is one screencast frame, base64-encoded, for the remote-login
// WebSocket feed.
type Frame struct {
	Data      string
	Timestamp time.Time
}

// Capability is the opaque browser automation surface workers and the
// remote-login handler depend on; tests substitute a scriptable fake
// against this interface rather than a real browser.
type Capability interface {
	Navigate(ctx context.Context, url string) error
	WaitLoad(ctx context.Context) error
	Eval(ctx context.Context, script string) (string, error)
	Click(ctx context.Context, selector string) error
	HTML(ctx context.Context) (string, error)
	ExportCookies(ctx context.Context) ([]store.Cookie, error)
	ImportCookies(ctx context.Context, cookies []store.Cookie) error
	Screencast(ctx context.Context, frames chan<- Frame) error
	Close() error
}

// RodBrowser is the production Capability, one instance per slot profile
// directory so concurrent slots never share a Chrome user-data-dir.
type RodBrowser struct {
	browser *rod.Browser
	page    *rod.Page
	launch  *launcher.Launcher
}

// New launches a stealth-patched Chrome instance rooted at profileDir.
func New(profileDir string, headless bool) (*RodBrowser, error) {
	l := launcher.New().
		UserDataDir(profileDir).
		Headless(headless).
		Set("disable-blink-features", "AutomationControlled")

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := stealth.Page(b)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("open stealth page: %w", err)
	}

	return &RodBrowser{browser: b, page: page, launch: l}, nil
}

func (r *RodBrowser) Navigate(ctx context.Context, url string) error {
	return r.page.Context(ctx).Navigate(url)
}

func (r *RodBrowser) WaitLoad(ctx context.Context) error {
	return r.page.Context(ctx).WaitLoad()
}

func (r *RodBrowser) Eval(ctx context.Context, script string) (string, error) {
	res, err := r.page.Context(ctx).Eval(script)
	if err != nil {
		return "", err
	}
	return res.Value.String(), nil
}

func (r *RodBrowser) Click(ctx context.Context, selector string) error {
	el, err := r.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (r *RodBrowser) HTML(ctx context.Context) (string, error) {
	return r.page.Context(ctx).HTML()
}

func (r *RodBrowser) ExportCookies(ctx context.Context) ([]store.Cookie, error) {
	raw, err := r.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	cookies := make([]store.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, store.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			Expires:  int64(c.Expires),
		})
	}
	return cookies, nil
}

func (r *RodBrowser) ImportCookies(ctx context.Context, cookies []store.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return r.page.Context(ctx).SetCookies(params)
}

// Screencast streams base64-encoded JPEG frames to the remote-login
// WebSocket, driven by the CDP Page.screencastFrame event.
func (r *RodBrowser) Screencast(ctx context.Context, frames chan<- Frame) error {
	stop := r.page.EachEvent(func(e *proto.PageScreencastFrame) {
		frames <- Frame{
			// e.Data is already base64-encoded JPEG bytes per the CDP wire
			// format; re-encoding it would double-encode the payload.
			Data:      e.Data,
			Timestamp: time.Now(),
		}
		_ = proto.PageScreencastFrameAck{SessionID: e.SessionID}.Call(r.page)
	})
	defer stop()

	err := proto.PageStartScreencast{Format: proto.PageStartScreencastFormatJpeg, Quality: 60}.Call(r.page)
	if err != nil {
		return fmt.Errorf("start screencast: %w", err)
	}

	<-ctx.Done()
	return proto.PageStopScreencast{}.Call(r.page)
}

func (r *RodBrowser) Close() error {
	if r.page != nil {
		_ = r.page.Close()
	}
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			return err
		}
	}
	if r.launch != nil {
		r.launch.Cleanup()
	}
	return nil
}
