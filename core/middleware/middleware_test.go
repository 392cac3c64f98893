package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/iotdemo/core/logger"
)

func newRouter() *mux.Router {
	router := mux.NewRouter()
	Use(router)
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("ping")
		w.Write([]byte(`{"pong":true}`))
	}).Methods(http.MethodGet)
	return router
}

func TestCORS(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Body.String())
}

func TestCompression(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	newRouter().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	rec = httptest.NewRecorder()
	newRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, `{"pong":true}`, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
