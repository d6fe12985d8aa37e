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

// Mock implementation of Classifier.

import (
	"context"

	forgeguard "github.com/forgeguard/forgeguard"
	"github.com/stretchr/testify/mock"
)

type MockClassifier struct {
	mock.Mock
}

var _ forgeguard.Classifier = &MockClassifier{}

func (m *MockClassifier) Analyze(ctx context.Context, image []byte) (*forgeguard.Analysis, error) {
	args := m.Called(ctx, image)
	retval, _ := args.Get(0).(*forgeguard.Analysis)
	return retval, args.Error(1)
}

func (m *MockClassifier) Model() forgeguard.ModelInfo {
	args := m.Called()
	retval, _ := args.Get(0).(forgeguard.ModelInfo)
	return retval
}
