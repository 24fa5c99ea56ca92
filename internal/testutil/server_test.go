package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/johndosdos/ticketchat/internal/auth"
	"github.com/johndosdos/ticketchat/internal/model"
)

func TestMiddleware(t *testing.T) {
	s := &Server{secret: "test-secret"}
	p := model.Participant{ID: "c-1", Role: model.RoleCustomer, DisplayName: "Cara"}

	mint := func(secret string, exp time.Duration) string {
		token, err := auth.MakeToken(p, secret, exp)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		return token
	}

	tests := []struct {
		name              string
		header            string
		wantHandlerCalled bool
		wantCode          int
	}{
		{"valid_token", "Bearer " + mint("test-secret", 5*time.Minute), true, http.StatusOK},
		{"expired_token", "Bearer " + mint("test-secret", -time.Second), false, http.StatusUnauthorized},
		{"wrong_secret", "Bearer " + mint("other-secret", 5*time.Minute), false, http.StatusUnauthorized},
		{"no_bearer_prefix", mint("test-secret", 5*time.Minute), false, http.StatusUnauthorized},
		{"empty_header", "", false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/tickets/42", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			isHandlerCalled := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				isHandlerCalled = true
				got, err := auth.ParticipantFromContext(r.Context())
				assert.NoError(t, err)
				assert.Equal(t, p, got)
				w.WriteHeader(http.StatusOK)
			})

			s.middleware(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantHandlerCalled, isHandlerCalled)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestServerRoutes(t *testing.T) {
	srv := NewServer(t, ServerOpts{MessageBurst: 1, MessageWindow: time.Hour})
	srv.AddTicket(model.Ticket{ID: "42", CustomerName: "Cara", Issue: "cannot log in"})
	token := srv.Token(t, model.Participant{ID: "c-1", Role: model.RoleCustomer, DisplayName: "Cara"})

	do := func(method, path string) int {
		req, err := http.NewRequest(method, srv.URL+path, nil)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%+v", err)
		}
		defer res.Body.Close()
		return res.StatusCode
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/tickets/42"))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/tickets/42/messages"))
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/tickets/7/messages"))
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/tickets/42/messages"))

	srv.RefuseConnections(true)
	assert.Equal(t, http.StatusServiceUnavailable, do(http.MethodGet, "/ws"))
}

func TestServerForgetsIdleSenders(t *testing.T) {
	srv := NewServer(t, ServerOpts{MessageBurst: 5, MessageWindow: 20 * time.Millisecond})
	srv.AddTicket(model.Ticket{ID: "42"})

	_, err := srv.createMessage("42", model.Participant{ID: "c-1", Role: model.RoleCustomer}, "hello")
	assert.NoError(t, err)
	assert.Equal(t, 1, srv.limiter.Len())

	assert.Eventually(t, func() bool { return srv.limiter.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
