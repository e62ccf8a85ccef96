package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/orcherr"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sanitizeBase(c.in), "sanitizeBase(%q)", c.in)
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"a":1}`, rec.Body.String())
}

func TestErrStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, errStatus(fmt.Errorf("%w: x", orcherr.ErrUnknownService)))
	assert.Equal(t, http.StatusNotFound, errStatus(fmt.Errorf("%w: x", orcherr.ErrUnknownMode)))
	assert.Equal(t, http.StatusBadRequest, errStatus(&orcherr.ConfigError{Problems: []string{"bad"}}))
	assert.Equal(t, http.StatusInternalServerError, errStatus(fmt.Errorf("boom")))
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("")
	require.NoError(t, err)
	assert.Zero(t, d)
	d, err = parseDuration("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
	d, err = parseDuration("1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	_, err = parseDuration("soon")
	assert.Error(t, err)
}
