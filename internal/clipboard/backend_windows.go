//go:build windows

package clipboard

// #cgo LDFLAGS: -luser32
//
// #include <windows.h>
// #include <stdlib.h>
//
// static HWND hypo_create_listener_window();
// static void hypo_pump_messages(HWND hwnd, int* changed);
//
// static LRESULT CALLBACK hypo_wnd_proc(HWND hwnd, UINT msg, WPARAM wp, LPARAM lp) {
//     if (msg == WM_CLIPBOARDUPDATE) {
//         PostMessage(hwnd, WM_USER + 1, 0, 0);
//         return 0;
//     }
//     return DefWindowProc(hwnd, msg, wp, lp);
// }
//
// static HWND hypo_create_listener_window() {
//     WNDCLASS wc = {0};
//     wc.lpfnWndProc   = hypo_wnd_proc;
//     wc.hInstance     = GetModuleHandle(NULL);
//     wc.lpszClassName = "HypoClipboard";
//     RegisterClass(&wc);
//     HWND hwnd = CreateWindowEx(0, "HypoClipboard", NULL, 0,
//         0, 0, 0, 0, HWND_MESSAGE, NULL, GetModuleHandle(NULL), NULL);
//     AddClipboardFormatListener(hwnd);
//     return hwnd;
// }
//
// static void hypo_pump_messages(HWND hwnd, int* changed) {
//     MSG msg;
//     *changed = 0;
//     while (PeekMessage(&msg, hwnd, 0, 0, PM_REMOVE)) {
//         if (msg.message == WM_USER + 1) {
//             *changed = 1;
//         }
//         TranslateMessage(&msg);
//         DispatchMessage(&msg);
//     }
// }
import "C"

import (
	"log/slog"
	"time"

	goclipboard "golang.design/x/clipboard"
)

type windowsBackend struct {
	hwnd      C.HWND
	watchCh   chan struct{}
	done      chan struct{}
	available bool
}

func newBackend() backend {
	b := &windowsBackend{
		hwnd:    C.hypo_create_listener_window(),
		watchCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if err := goclipboard.Init(); err != nil {
		slog.Warn("clipboard: init failed, reads/writes disabled", "err", err)
	} else {
		b.available = true
	}
	go b.pump()
	return b
}

func (b *windowsBackend) Name() string  { return "Windows Clipboard" }
func (b *windowsBackend) CanRead() bool { return b.available }

func (b *windowsBackend) pump() {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-t.C:
			var changed C.int
			C.hypo_pump_messages(b.hwnd, &changed)
			if changed != 0 {
				select {
				case b.watchCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (b *windowsBackend) Read() ([]rawItem, error) {
	var items []rawItem
	if text := goclipboard.Read(goclipboard.FmtText); text != nil {
		items = append(items, rawItem{MIME: "text/plain", Data: text})
	}
	if img := goclipboard.Read(goclipboard.FmtImage); img != nil {
		items = append(items, rawItem{MIME: "image/png", Data: img})
	}
	return items, nil
}

func (b *windowsBackend) Write(items []rawItem) error {
	for _, it := range items {
		switch {
		case it.MIME == "text/plain" || it.MIME == "text/uri-list":
			goclipboard.Write(goclipboard.FmtText, it.Data)
		case it.MIME == "image/png":
			goclipboard.Write(goclipboard.FmtImage, it.Data)
		}
	}
	return nil
}

func (b *windowsBackend) Watch() <-chan struct{} { return b.watchCh }
func (b *windowsBackend) Close()                 { close(b.done) }
