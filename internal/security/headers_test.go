package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(middleware gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	router.GET("/escrows", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/escrows", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "ws:")
}

func TestCORSOriginFiltering(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		request string
		allowed bool
	}{
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tc.origins), http.MethodGet, tc.request)
			got := w.Header().Get("Access-Control-Allow-Origin") != ""
			assert.Equal(t, tc.allowed, got)
		})
	}
}

func TestCORSWildcardOmitsCredentials(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodGet, "https://app.example.com")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

	w = serve(CORSMiddleware([]string{"https://app.example.com"}), http.MethodGet, "https://app.example.com")
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://app.example.com")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
}
