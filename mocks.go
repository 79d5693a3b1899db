/*
Copyright 2025 Lessonbook Authors.

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

package lessonbook

import (
	"context"
	"sync"

	"github.com/lessonbook/lessonbook/model"
)

// MockProvider is a scriptable payment provider for tests.
type MockProvider struct {
	CreateIntentFunc func(ctx context.Context, payment *model.Payment) (string, error)
	RefundFunc       func(ctx context.Context, payment *model.Payment) error
}

func (m *MockProvider) CreateIntent(ctx context.Context, payment *model.Payment) (string, error) {
	if m.CreateIntentFunc != nil {
		return m.CreateIntentFunc(ctx, payment)
	}
	return model.GenerateID("pi"), nil
}

func (m *MockProvider) Refund(ctx context.Context, payment *model.Payment) error {
	if m.RefundFunc != nil {
		return m.RefundFunc(ctx, payment)
	}
	return nil
}

// MockBus records published events in memory.
type MockBus struct {
	mu        sync.Mutex
	Published []*model.OutboxEvent
	Err       error
}

func (m *MockBus) Publish(_ context.Context, event *model.OutboxEvent) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, event)
	return nil
}
