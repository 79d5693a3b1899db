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
	"embed"

	"github.com/sirupsen/logrus"

	"github.com/lessonbook/lessonbook/database"
	"github.com/lessonbook/lessonbook/internal/cache"
)

// Lessonbook is the application core: the saga orchestrator plus the
// availability, payment and learning-resource services it coordinates. All
// state lives behind the datasource; events between the services travel
// through the transactional outbox.
type Lessonbook struct {
	datasource database.IDataSource
	provider   PaymentProvider
	cache      cache.Cache
}

//go:embed sql/*.sql
var SQLFiles embed.FS

// NewLessonbook wires the core against a datasource and a payment provider.
// A nil provider falls back to the built-in simulated provider. The saga
// status cache is best-effort: if Redis is unreachable the core runs without
// it.
func NewLessonbook(db database.IDataSource, provider PaymentProvider) (*Lessonbook, error) {
	if provider == nil {
		provider = &localProvider{}
	}
	ca, err := cache.NewCache()
	if err != nil {
		logrus.WithError(err).Warn("saga status cache disabled")
		ca = nil
	}
	return &Lessonbook{datasource: db, provider: provider, cache: ca}, nil
}
