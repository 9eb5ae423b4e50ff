// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mbeema/vpatch/pkg/config"
	"github.com/mbeema/vpatch/pkg/hook"
	"github.com/mbeema/vpatch/pkg/hook/vhost"
	"go.uber.org/zap"
)

// selectEngine picks the hook engine named by hook.engine. In auto mode the
// VHost library wins when present, then the socket engine when its hook
// library can be found, then the stub.
func selectEngine(cfg *config.Config, logger *zap.Logger) (hook.Engine, error) {
	switch cfg.Hook.Engine {
	case config.EngineVHost:
		support := vhost.Detect(vhostDir(cfg))
		if !support.Available {
			return nil, fmt.Errorf("%s: %w", support.Reason, vhost.ErrUnavailable)
		}
		return vhost.New(support.Path, logger)

	case config.EngineSocket:
		return newSocketEngine(cfg, logger), nil

	case config.EngineStub:
		return vhost.NewStubEngine("stub engine configured", logger), nil
	}

	support := vhost.Detect(vhostDir(cfg))
	if support.Available {
		logger.Info("vhost library detected", zap.String("path", support.Path))
		return vhost.New(support.Path, logger)
	}

	inj := hook.NewInjector(cfg.Hook.LibraryPath, cfg.Hook.SocketPath, logger)
	if lib, err := inj.FindLibrary(cfg.Hook.BasePath); err == nil {
		logger.Info("vhost not available, using socket engine",
			zap.String("reason", support.Reason),
			zap.String("library", lib),
		)
		return hook.NewManager(cfg.Hook.SocketPath, inj, logger), nil
	}

	logger.Info("no hook engine available, using stub engine",
		zap.String("reason", support.Reason),
	)
	return vhost.NewStubEngine(support.Reason, logger), nil
}

func newSocketEngine(cfg *config.Config, logger *zap.Logger) *hook.Manager {
	inj := hook.NewInjector(cfg.Hook.LibraryPath, cfg.Hook.SocketPath, logger)
	return hook.NewManager(cfg.Hook.SocketPath, inj, logger)
}

// vhostDir is where the VHost library is looked up: hook.vhost_dir, else
// the directory holding the vpatch binary.
func vhostDir(cfg *config.Config) string {
	if cfg.Hook.VHostDir != "" {
		return cfg.Hook.VHostDir
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
