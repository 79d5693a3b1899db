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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lessonbook/lessonbook"
	model2 "github.com/lessonbook/lessonbook/api/model"
	"github.com/lessonbook/lessonbook/config"
	"github.com/lessonbook/lessonbook/database"
	"github.com/lessonbook/lessonbook/model"
)

type TestRequest struct {
	Payload  io.Reader
	Router   *gin.Engine
	Response interface{}
	Method   string
	Route    string
	Header   map[string]string
}

func SetUpTestRequest(s TestRequest) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(s.Method, s.Route, s.Payload)
	for key, value := range s.Header {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	s.Router.ServeHTTP(resp, req)

	if s.Response != nil {
		if err := json.NewDecoder(resp.Body).Decode(&s.Response); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func setupRouter(t *testing.T, conf *config.Configuration) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	config.MockConfig(conf)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	core, err := lessonbook.NewLessonbook(&database.Datasource{Conn: db}, nil)
	require.NoError(t, err)

	return NewAPI(core).Router(), mock
}

var sagaColumns = []string{
	"saga_id", "type", "subject_id", "initiator_id", "current_state",
	"payment_id", "resource_id", "failure_reason", "amount", "currency",
	"time_slot", "attempt_count", "version", "created_at", "updated_at", "completed_at",
}

func sagaRow(sagaID string, state model.SagaState) *sqlmock.Rows {
	return sqlmock.NewRows(sagaColumns).AddRow(
		sagaID, model.SagaTypeSessionBooking, "tutor_1", "student_1", state,
		nil, nil, nil, "50", "USD",
		"2026-09-01T10:00:00Z", 0, 1, time.Now(), time.Now(), nil,
	)
}

func marshal(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestCreateBookingAPI(t *testing.T) {
	validPayload := model2.CreateBooking{
		StudentID: "student_1",
		TutorID:   "tutor_1",
		TimeSlot:  "2026-09-01T10:00:00+00:00",
		Amount:    decimal.NewFromInt(50),
		Currency:  "USD",
	}

	tests := []struct {
		name         string
		payload      model2.CreateBooking
		expectDB     bool
		expectedCode int
	}{
		{
			name:         "Valid Booking",
			payload:      validPayload,
			expectDB:     true,
			expectedCode: http.StatusAccepted,
		},
		{
			name: "Missing Tutor",
			payload: model2.CreateBooking{
				StudentID: "student_1",
				TimeSlot:  "2026-09-01T10:00:00+00:00",
				Amount:    decimal.NewFromInt(50),
				Currency:  "USD",
			},
			expectedCode: http.StatusBadRequest,
		},
		{
			name: "Bad Time Slot",
			payload: model2.CreateBooking{
				StudentID: "student_1",
				TutorID:   "tutor_1",
				TimeSlot:  "tomorrow at noon",
				Amount:    decimal.NewFromInt(50),
				Currency:  "USD",
			},
			expectedCode: http.StatusBadRequest,
		},
		{
			name: "Negative Amount",
			payload: model2.CreateBooking{
				StudentID: "student_1",
				TutorID:   "tutor_1",
				TimeSlot:  "2026-09-01T10:00:00+00:00",
				Amount:    decimal.NewFromInt(-5),
				Currency:  "USD",
			},
			expectedCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, mock := setupRouter(t, &config.Configuration{})
			if tt.expectDB {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO lessonbook.saga_instances").WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec("INSERT INTO lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			}

			var response model.SagaInstance
			resp, err := SetUpTestRequest(TestRequest{
				Payload:  marshal(t, tt.payload),
				Router:   router,
				Response: &response,
				Method:   http.MethodPost,
				Route:    "/bookings",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.expectedCode, resp.Code)
			if tt.expectDB {
				assert.Equal(t, model.SagaStateAwaitingAvailability, response.CurrentState)
				assert.NoError(t, mock.ExpectationsWereMet())
			}
		})
	}
}

func TestCreateEnrollmentAPI(t *testing.T) {
	router, mock := setupRouter(t, &config.Configuration{})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lessonbook.saga_instances").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO lessonbook.outbox_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var response model.SagaInstance
	resp, err := SetUpTestRequest(TestRequest{
		Payload: marshal(t, model2.CreateEnrollment{
			StudentID: "student_1",
			CourseID:  "course_1",
			Term:      "2026-fall",
			Amount:    decimal.NewFromInt(300),
			Currency:  "USD",
		}),
		Router:   router,
		Response: &response,
		Method:   http.MethodPost,
		Route:    "/enrollments",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, model.SagaTypeCourseEnrollment, response.Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSagaStatusAPI(t *testing.T) {
	router, mock := setupRouter(t, &config.Configuration{})

	mock.ExpectQuery("SELECT .+ FROM lessonbook.saga_instances").
		WillReturnRows(sagaRow("saga_1", model.SagaStateConfirmed))

	var response model.SagaStatus
	resp, err := SetUpTestRequest(TestRequest{
		Router:   router,
		Response: &response,
		Method:   http.MethodGet,
		Route:    "/sagas/saga_1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.SagaID("saga_1"), response.SagaID)
	assert.Equal(t, model.SagaStateConfirmed, response.State)
}

func TestGetSagaStatusAPINotFound(t *testing.T) {
	router, mock := setupRouter(t, &config.Configuration{})

	mock.ExpectQuery("SELECT .+ FROM lessonbook.saga_instances").
		WillReturnRows(sqlmock.NewRows(sagaColumns))

	resp, err := SetUpTestRequest(TestRequest{
		Router: router,
		Method: http.MethodGet,
		Route:  "/sagas/saga_missing",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestCancelSagaAPITerminal(t *testing.T) {
	router, mock := setupRouter(t, &config.Configuration{})

	mock.ExpectQuery("SELECT .+ FROM lessonbook.saga_instances").
		WillReturnRows(sagaRow("saga_1", model.SagaStateConfirmed))

	resp, err := SetUpTestRequest(TestRequest{
		Router: router,
		Method: http.MethodPost,
		Route:  "/sagas/saga_1/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestListSagasAPIRequiresState(t *testing.T) {
	router, _ := setupRouter(t, &config.Configuration{})

	resp, err := SetUpTestRequest(TestRequest{
		Router: router,
		Method: http.MethodGet,
		Route:  "/sagas",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestPaymentWebhookAPIBadSignature(t *testing.T) {
	router, _ := setupRouter(t, &config.Configuration{
		Provider: config.ProviderConfig{WebhookSecret: "whsec_test"},
	})

	resp, err := SetUpTestRequest(TestRequest{
		Payload: bytes.NewReader([]byte(`{"event_id":"provevt_1","intent_id":"pi_1","status":"succeeded"}`)),
		Router:  router,
		Method:  http.MethodPost,
		Route:   "/webhooks/payment",
		Header:  map[string]string{SignatureHeader: "deadbeef"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestSecretKeyAuth(t *testing.T) {
	router, _ := setupRouter(t, &config.Configuration{
		Server: config.ServerConfig{Secure: true, SecretKey: "sk_test"},
	})

	resp, err := SetUpTestRequest(TestRequest{
		Router: router,
		Method: http.MethodGet,
		Route:  "/sagas/saga_1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestSecretKeyAuthSkipsWebhook(t *testing.T) {
	router, _ := setupRouter(t, &config.Configuration{
		Server:   config.ServerConfig{Secure: true, SecretKey: "sk_test"},
		Provider: config.ProviderConfig{WebhookSecret: "whsec_test"},
	})

	// No X-Lessonbook-Key: the webhook route authenticates with the provider
	// signature instead, so the auth middleware lets it through to signature
	// verification.
	resp, err := SetUpTestRequest(TestRequest{
		Payload: bytes.NewReader([]byte(`{}`)),
		Router:  router,
		Method:  http.MethodPost,
		Route:   "/webhooks/payment",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}
