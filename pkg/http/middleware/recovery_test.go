package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"CoordScope/pkg/logger"
)

func TestRecoverWritesEnvelope(t *testing.T) {
	e := echo.New()
	e.Use(Recover(logger.Nop()), RequestLogging(logger.Nop(), "/healthz"))
	e.GET("/api/v1/risk", func(echo.Context) error { panic("nil board") })
	e.GET("/abort", func(echo.Context) error { panic(http.ErrAbortHandler) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/risk", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"status":500,"message":"Internal Server Error"}`, rec.Body.String())

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", nil))
	})
}
