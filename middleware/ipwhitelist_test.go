package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newWhitelistRouter(entries []string) *gin.Engine {
	r := gin.New()
	r.Use(IPWhitelist(entries))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func fromIP(r *gin.Engine, ip string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Real-IP", ip)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestIPWhitelist_Empty_AllowsAll(t *testing.T) {
	r := newWhitelistRouter(nil)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIPWhitelist(t *testing.T) {
	r := newWhitelistRouter([]string{"10.0.0.1", "192.168.4.0/24", "::1", "garbage"})

	tests := []struct {
		ip   string
		want int
	}{
		{"10.0.0.1", http.StatusOK},
		{"10.0.0.2", http.StatusForbidden},
		{"192.168.4.77", http.StatusOK},
		{"192.168.5.1", http.StatusForbidden},
		{"::1", http.StatusOK},
		{"1.2.3.4", http.StatusForbidden},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fromIP(r, tt.ip), tt.ip)
	}
}

func TestIPWhitelist_OnlyMalformedEntriesDeniesAll(t *testing.T) {
	r := newWhitelistRouter([]string{"not-an-ip"})
	assert.Equal(t, http.StatusForbidden, fromIP(r, "10.0.0.1"))
}
