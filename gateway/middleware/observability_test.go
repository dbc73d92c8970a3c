package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObservabilityRecordsStatus(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{ServiceName: "matchingd-test"}, nil)
	handler := obs.Middleware("markets.get")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/markets/0x01", nil))
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	inner := httptest.NewRecorder()
	recorder := &statusRecorder{ResponseWriter: inner, status: http.StatusOK}
	recorder.WriteHeader(http.StatusAccepted)
	recorder.WriteHeader(http.StatusTeapot)
	require.Equal(t, http.StatusAccepted, recorder.status)
	require.Same(t, inner, recorder.Unwrap())
}
