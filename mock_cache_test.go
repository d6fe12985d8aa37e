/*
Copyright 2026 ForgeGuard Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package forgeguard_test

// Mock implementation of Cache.

import (
	forgeguard "github.com/forgeguard/forgeguard"
	"github.com/stretchr/testify/mock"
)

type MockCache struct {
	mock.Mock
}

var _ forgeguard.Cache = &MockCache{}

func (m *MockCache) Store(fingerprint string, analysis *forgeguard.Analysis) {
	m.Called(fingerprint, analysis)
}

func (m *MockCache) Lookup(fingerprint string) (*forgeguard.Analysis, bool) {
	args := m.Called(fingerprint)
	retval, _ := args.Get(0).(*forgeguard.Analysis)
	return retval, args.Bool(1)
}

func (m *MockCache) Size() int64 {
	args := m.Called()
	return int64(args.Int(0))
}

func (m *MockCache) Stats() forgeguard.CacheStats {
	args := m.Called()
	retval, _ := args.Get(0).(forgeguard.CacheStats)
	return retval
}

func (m *MockCache) Clear() {
	m.Called()
}

func (m *MockCache) Close() error {
	args := m.Called()
	return args.Error(0)
}
