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
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/lessonbook/lessonbook"
	"github.com/lessonbook/lessonbook/api/middleware"
	"github.com/lessonbook/lessonbook/config"
)

type Api struct {
	lessonbook *lessonbook.Lessonbook
	router     *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/bookings", a.CreateBooking)
	router.POST("/enrollments", a.CreateEnrollment)

	router.GET("/sagas/:id", a.GetSagaStatus)
	router.GET("/sagas/:id/instance", a.GetSagaInstance)
	router.GET("/sagas", a.ListSagas)
	router.POST("/sagas/:id/cancel", a.CancelSaga)

	router.GET("/resources/:id", a.GetResource)
	router.POST("/resources/:id/complete", a.CompleteResource)
	router.POST("/resources/:id/cancel", a.CancelResource)

	router.GET("/payments/:id", a.GetPayment)

	router.POST("/webhooks/payment", a.PaymentWebhook)

	router.GET("/outbox/dead-letters", a.DeadLetteredEvents)
	return a.router
}

func NewAPI(l *lessonbook.Lessonbook) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{lessonbook: l, router: r}
}
