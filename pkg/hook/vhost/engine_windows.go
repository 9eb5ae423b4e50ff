// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows && amd64

package vhost

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/mbeema/vpatch/pkg/hook"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// threadParam mirrors the engine's hook context record. The x64 calling
// convention passes records wider than 8 bytes by reference, in both
// directions.
type threadParam struct {
	ProcessID uint32
	_         uint32
	Addr      uint64
	Ctx       uint64
	Ctx2      uint64
}

func toThreadParam(hc hook.HookContext) threadParam {
	return threadParam{ProcessID: hc.PID, Addr: hc.Addr, Ctx: hc.Ctx, Ctx2: hc.Ctx2}
}

func (tp *threadParam) context() hook.HookContext {
	return hook.HookContext{PID: tp.ProcessID, Addr: tp.Addr, Ctx: tp.Ctx, Ctx2: tp.Ctx2}
}

// Engine drives the VHost library through its exported entry points.
type Engine struct {
	path   string
	logger *zap.Logger

	dll           *windows.LazyDLL
	start         *windows.LazyProc
	inject        *windows.LazyProc
	embedSettings *windows.LazyProc
	useEmbed      *windows.LazyProc
	embedCallback *windows.LazyProc

	handler atomic.Pointer[handlerBox]
}

type handlerBox struct{ h hook.Handler }

var _ hook.Engine = (*Engine)(nil)

// Callbacks handed to V_Start are process-wide trampolines; the library
// supports a single host, so they route to whichever engine started last.
var (
	active    atomic.Pointer[Engine]
	cbOnce    sync.Once
	callbacks struct {
		connect, disconnect, hookInsert, embed uintptr
	}
)

// New loads the library at path and resolves every export the engine uses.
// A missing export is reported as ErrUnavailable.
func New(path string, logger *zap.Logger) (hook.Engine, error) {
	dll := windows.NewLazyDLL(path)
	if err := dll.Load(); err != nil {
		return nil, fmt.Errorf("load %s: %v: %w", path, err, ErrUnavailable)
	}

	e := &Engine{
		path:          path,
		logger:        logger,
		dll:           dll,
		start:         dll.NewProc("V_Start"),
		inject:        dll.NewProc("V_Inject"),
		embedSettings: dll.NewProc("V_EmbedSettings"),
		useEmbed:      dll.NewProc("V_useembed"),
		embedCallback: dll.NewProc("V_embedcallback"),
	}
	for _, p := range []*windows.LazyProc{e.start, e.inject, e.embedSettings, e.useEmbed, e.embedCallback} {
		if err := p.Find(); err != nil {
			return nil, fmt.Errorf("resolve %s in %s: %v: %w", p.Name, path, err, ErrUnavailable)
		}
	}
	return e, nil
}

func registerCallbacks() {
	callbacks.connect = windows.NewCallback(func(pid uintptr) uintptr {
		if h := currentHandler(); h != nil {
			h.OnConnect(uint32(pid))
		}
		return 0
	})
	callbacks.disconnect = windows.NewCallback(func(pid uintptr) uintptr {
		if h := currentHandler(); h != nil {
			h.OnDisconnect(uint32(pid))
		}
		return 0
	})
	callbacks.hookInsert = windows.NewCallback(func(pid, addr, code uintptr) uintptr {
		if h := currentHandler(); h != nil {
			h.OnHookInsert(uint32(pid), uint64(addr), utf16At(code))
		}
		return 0
	})
	callbacks.embed = windows.NewCallback(func(text, tp uintptr) uintptr {
		if h := currentHandler(); h != nil && tp != 0 {
			param := threadParamAt(tp)
			h.OnEmbedText(utf16At(text), param.context())
		}
		return 0
	})
}

func currentHandler() hook.Handler {
	e := active.Load()
	if e == nil {
		return nil
	}
	box := e.handler.Load()
	if box == nil {
		return nil
	}
	return box.h
}

// threadParamAt copies the record behind a callback argument. The pointer
// is library-owned and valid only during the callback; go vet flags the
// uintptr conversion, which is intended here.
func threadParamAt(p uintptr) threadParam {
	return *(*threadParam)(unsafe.Pointer(p))
}

func utf16At(p uintptr) string {
	if p == 0 {
		return ""
	}
	// Library-owned string; the uintptr conversion vet flags is intended.
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(p)))
}

func boolArg(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

// Start registers the callbacks with the library. Events flow until Stop.
func (e *Engine) Start(_ context.Context, h hook.Handler) error {
	if h == nil {
		return fmt.Errorf("hook handler is nil")
	}
	cbOnce.Do(registerCallbacks)

	e.handler.Store(&handlerBox{h: h})
	active.Store(e)

	e.start.Call(
		callbacks.connect,
		callbacks.disconnect,
		0, 0, 0, 0,
		callbacks.hookInsert,
		callbacks.embed,
	)

	e.logger.Info("vhost engine started", zap.String("library", e.path))
	return nil
}

// Stop detaches the handler. The library stays loaded because injected
// processes may still hold pipes to it; late events are dropped.
func (e *Engine) Stop() error {
	e.handler.Store(nil)
	active.CompareAndSwap(e, nil)
	return nil
}

// Name returns "vhost".
func (e *Engine) Name() string {
	return "vhost"
}

// Inject asks the library to inject into pid. The call returns once the
// request is queued; success arrives later through the connect callback.
func (e *Engine) Inject(pid uint32, basePath string) error {
	base, err := windows.UTF16PtrFromString(basePath)
	if err != nil {
		return fmt.Errorf("inject pid %d: %w", pid, err)
	}
	e.inject.Call(uintptr(pid), uintptr(unsafe.Pointer(base)))
	runtime.KeepAlive(base)
	return nil
}

// ApplyEmbedSettings calls V_EmbedSettings for pid.
func (e *Engine) ApplyEmbedSettings(pid uint32, s hook.EmbedSettings) error {
	font, err := windows.UTF16PtrFromString(s.FontFamily)
	if err != nil {
		return fmt.Errorf("embed settings pid %d: %w", pid, err)
	}
	e.embedSettings.Call(
		uintptr(pid),
		uintptr(s.TimeoutMs),
		uintptr(s.FontCharset),
		boolArg(s.FontCharsetEnabled),
		uintptr(unsafe.Pointer(font)),
		uintptr(s.DisplayMode),
		boolArg(s.FastSkipIgnore),
	)
	runtime.KeepAlive(font)
	return nil
}

// EnableEmbedding calls V_useembed for hc.
func (e *Engine) EnableEmbedding(hc hook.HookContext, enabled bool) error {
	tp := toThreadParam(hc)
	e.useEmbed.Call(uintptr(unsafe.Pointer(&tp)), boolArg(enabled))
	runtime.KeepAlive(&tp)
	return nil
}

// DeliverTranslation calls V_embedcallback for hc. An empty translation
// tells the hook to keep the original text.
func (e *Engine) DeliverTranslation(hc hook.HookContext, text, translation string) error {
	src, err := windows.UTF16PtrFromString(text)
	if err != nil {
		return fmt.Errorf("deliver translation %s: %w", hc, err)
	}
	dst, err := windows.UTF16PtrFromString(translation)
	if err != nil {
		return fmt.Errorf("deliver translation %s: %w", hc, err)
	}
	tp := toThreadParam(hc)
	e.embedCallback.Call(uintptr(unsafe.Pointer(&tp)), uintptr(unsafe.Pointer(src)), uintptr(unsafe.Pointer(dst)))
	runtime.KeepAlive(&tp)
	runtime.KeepAlive(src)
	runtime.KeepAlive(dst)
	return nil
}
