/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	defaultShmDir        = "/dev/shm"
	defaultPrefix        = "shmsync"
	defaultMinFreeBytes  = 1 << 20
	defaultHealthAddr    = "127.0.0.1:9464"
	defaultMaxConns      = 256
	defaultAuditCapacity = 1024
)

// Environment overrides read by LoadConfig.
const (
	EnvShmDir        = "SHMSYNC_SHM_DIR"
	EnvPrefix        = "SHMSYNC_PREFIX"
	EnvServerDir     = "SHMSYNC_SERVER_DIR"
	EnvPageSize      = "SHMSYNC_PAGE_SIZE"
	EnvMinFreeBytes  = "SHMSYNC_MIN_FREE_BYTES"
	EnvSocketPath    = "SHMSYNC_SOCKET"
	EnvHealthAddr    = "SHMSYNC_HEALTH_ADDR"
	EnvMaxConns      = "SHMSYNC_MAX_CONNS"
	EnvAuditCapacity = "SHMSYNC_AUDIT_CAPACITY"
)

// Config is used to tune the sync server.
type Config struct {
	// ShmDir is the shared memory filesystem the region lives on.
	ShmDir string
	// Prefix starts every segment name.
	Prefix string
	// ServerDir is the server's private directory. Its identity names the
	// segment, so two servers never share a region.
	ServerDir string
	// PageSize is the region growth and mapping unit.
	PageSize int
	// MinFreeBytes must stay free on ShmDir for growth and readiness.
	MinFreeBytes uint64
	// SocketPath is the request socket. Empty means ServerDir/sync.sock.
	SocketPath string
	// HealthAddr serves /live, /ready and /metrics. Empty disables it.
	HealthAddr string
	// MaxConns bounds concurrent client connections.
	MaxConns int
	// AuditCapacity is the size of the in-memory event ring.
	AuditCapacity uint64
}

// DefaultConfig is used to create a default config.
func DefaultConfig() *Config {
	return &Config{
		ShmDir:        defaultShmDir,
		Prefix:        defaultPrefix,
		ServerDir:     filepath.Join(os.TempDir(), fmt.Sprintf("shmsync-%d", os.Getuid())),
		PageSize:      os.Getpagesize(),
		MinFreeBytes:  defaultMinFreeBytes,
		HealthAddr:    defaultHealthAddr,
		MaxConns:      defaultMaxConns,
		AuditCapacity: defaultAuditCapacity,
	}
}

// Socket returns the effective socket path.
func (c *Config) Socket() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return filepath.Join(c.ServerDir, "sync.sock")
}

// LoadConfig returns DefaultConfig with environment overrides applied and verified.
func LoadConfig() (*Config, error) {
	c := DefaultConfig()
	str := func(env string, dst *string) {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}
	str(EnvShmDir, &c.ShmDir)
	str(EnvPrefix, &c.Prefix)
	str(EnvServerDir, &c.ServerDir)
	str(EnvSocketPath, &c.SocketPath)
	str(EnvHealthAddr, &c.HealthAddr)

	var errs []error
	num := func(env string, bits int, set func(uint64)) {
		v, ok := os.LookupEnv(env)
		if !ok {
			return
		}
		n, err := strconv.ParseUint(v, 0, bits)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", env, v, err))
			return
		}
		set(n)
	}
	num(EnvPageSize, 31, func(n uint64) { c.PageSize = int(n) })
	num(EnvMinFreeBytes, 64, func(n uint64) { c.MinFreeBytes = n })
	num(EnvMaxConns, 31, func(n uint64) { c.MaxConns = int(n) })
	num(EnvAuditCapacity, 32, func(n uint64) { c.AuditCapacity = n })
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}

// VerifyConfig is used to check whether the config is suitable.
func VerifyConfig(config *Config) error {
	if config.ShmDir == "" {
		return errors.New("ShmDir must be set")
	}
	if config.Prefix == "" || strings.ContainsRune(config.Prefix, '/') {
		return fmt.Errorf("Prefix %q must be a non-empty file name", config.Prefix)
	}
	if config.ServerDir == "" {
		return errors.New("ServerDir must be set")
	}
	sys := os.Getpagesize()
	if config.PageSize <= 0 || config.PageSize%sys != 0 {
		return fmt.Errorf("PageSize %d must be a positive multiple of %d", config.PageSize, sys)
	}
	if config.MaxConns <= 0 {
		return errors.New("MaxConns must be positive")
	}
	if config.AuditCapacity == 0 {
		return errors.New("AuditCapacity must be positive")
	}
	return nil
}
