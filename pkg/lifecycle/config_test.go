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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	config := DefaultConfig()
	s.Require().Nil(VerifyConfig(config))

	config.PageSize = os.Getpagesize() + 1
	s.Require().NotNil(VerifyConfig(config))
	config.PageSize = 0
	s.Require().NotNil(VerifyConfig(config))
	config.PageSize = 2 * os.Getpagesize()
	s.Require().Nil(VerifyConfig(config))

	config.Prefix = "a/b"
	s.Require().NotNil(VerifyConfig(config))
	config.Prefix = ""
	s.Require().NotNil(VerifyConfig(config))
	config.Prefix = "svc"

	config.MaxConns = 0
	s.Require().NotNil(VerifyConfig(config))
	config.MaxConns = 1

	config.AuditCapacity = 0
	s.Require().NotNil(VerifyConfig(config))
	config.AuditCapacity = 1

	config.ShmDir = ""
	s.Require().NotNil(VerifyConfig(config))
	config.ShmDir = "/dev/shm"

	config.ServerDir = ""
	s.Require().NotNil(VerifyConfig(config))
}

func (s *ConfigTestSuite) TestLoadConfigFromEnv() {
	t := s.T()
	t.Setenv(EnvShmDir, "/run/shm")
	t.Setenv(EnvPrefix, "wine")
	t.Setenv(EnvServerDir, "/tmp/srv")
	t.Setenv(EnvMinFreeBytes, "0x1000")
	t.Setenv(EnvMaxConns, "8")
	t.Setenv(EnvAuditCapacity, "64")

	config, err := LoadConfig()
	s.Require().NoError(err)
	s.Equal("/run/shm", config.ShmDir)
	s.Equal("wine", config.Prefix)
	s.Equal(uint64(0x1000), config.MinFreeBytes)
	s.Equal(8, config.MaxConns)
	s.Equal(uint64(64), config.AuditCapacity)
	s.Equal(os.Getpagesize(), config.PageSize)
	s.Equal(filepath.Join("/tmp/srv", "sync.sock"), config.Socket())

	t.Setenv(EnvSocketPath, "/tmp/x.sock")
	config, err = LoadConfig()
	s.Require().NoError(err)
	s.Equal("/tmp/x.sock", config.Socket())
}

func (s *ConfigTestSuite) TestLoadConfigRejectsBadEnv() {
	s.T().Setenv(EnvMaxConns, "many")
	_, err := LoadConfig()
	s.Require().NotNil(err)

	s.T().Setenv(EnvMaxConns, "4")
	s.T().Setenv(EnvPageSize, "100")
	_, err = LoadConfig()
	s.Require().NotNil(err)
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
