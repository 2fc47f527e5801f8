/*
 * Copyright 2022 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	Cache  = "cache"
	Block  = "block"
	DBL    = "dbl"
	IBL    = "ibl"
	Alloc  = "alloc"
	Engine = "engine"
)

var knownModules = []string{Cache, Block, DBL, IBL, Alloc, Engine}

var (
	root    atomic.Value
	modLock sync.RWMutex
	modules = make(map[string]bool)
)

func init() {
	root.Store(NewLogger(DiscardHandler()))
	if env := os.Getenv("MIRAGE_LOG_LEVEL"); env != "" {
		if lvl, err := ParseLevel(env); err != nil {
			panic("mirage: invalid value for MIRAGE_LOG_LEVEL")
		} else {
			SetDefault(NewTextLogger(os.Stderr, lvl))
		}
	}
	EnableModules(os.Getenv("MIRAGE_LOG_MODULES"))
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)
}

// Root returns the root logger
func Root() Logger {
	return root.Load().(Logger)
}

// EnableModules enables a comma separated list of modules, "all" enables
// every known module. Without any enabled module every module logs.
func EnableModules(list string) {
	for _, m := range strings.Split(list, ",") {
		if m = strings.TrimSpace(m); m == "all" {
			for _, k := range knownModules {
				EnableModule(k)
			}
		} else if m != "" {
			EnableModule(m)
		}
	}
}

// EnableModule enables logging for the specified module.
func EnableModule(module string) {
	modLock.Lock()
	modules[module] = true
	modLock.Unlock()
}

// DisableModule disables logging for the specified module.
func DisableModule(module string) {
	modLock.Lock()
	modules[module] = false
	modLock.Unlock()
}

func isModuleEnabled(module string) bool {
	modLock.RLock()
	defer modLock.RUnlock()
	if len(modules) == 0 {
		return true
	}
	return modules[module]
}

func Trace(module string, msg string, ctx ...any) {
	if isModuleEnabled(module) {
		Root().Trace(module, msg, ctx...)
	}
}

func Debug(module string, msg string, ctx ...any) {
	if isModuleEnabled(module) {
		Root().Debug(module, msg, ctx...)
	}
}

func Info(module string, msg string, ctx ...any) {
	if isModuleEnabled(module) {
		Root().Info(module, msg, ctx...)
	}
}

func Warn(module string, msg string, ctx ...any) {
	if isModuleEnabled(module) {
		Root().Warn(module, msg, ctx...)
	}
}

// Error records are never filtered by module.
func Error(module string, msg string, ctx ...any) {
	Root().Error(module, msg, ctx...)
}
