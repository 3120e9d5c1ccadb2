package rest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gthulhu/mmcontainers/cache"
	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/rest"
	"github.com/Gthulhu/mmcontainers/watcher"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
)

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

type HandlerTestSuite struct {
	suite.Suite
	Handler *rest.Handler
	Store   domain.Store
	Ctx     context.Context
	Engine  *echo.Echo
}

func (suite *HandlerTestSuite) SetupSuite() {
	suite.Ctx = context.Background()
	suite.Store = cache.NewMemoryStore()

	reg := prometheus.NewRegistry()
	suite.Require().NoError(watcher.RegisterStoreGauge(reg, suite.Store))

	handler, err := rest.NewHandler(rest.Params{Store: suite.Store, Gatherer: reg})
	suite.Require().NoError(err, "Failed to create handler")
	suite.Handler = handler

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	suite.Engine = e
	suite.Handler.SetupRoutes(e)
}

func (suite *HandlerTestSuite) SetupTest() {
	suite.Require().NoError(suite.Store.Clear(suite.Ctx))
	for key, kind := range map[string]string{
		"docker/abc":           domain.KindContainer,
		"docker/def":           domain.KindContainer,
		"kube/default":         domain.KindNamespace,
		"kube/default/web-0":   domain.KindPod,
		"kube-container/abc":   domain.KindPod,
		"kube/kube-system/dns": domain.KindPod,
	} {
		suite.Require().NoError(suite.Store.Put(suite.Ctx, key, &domain.MetadataRecord{
			Kind:     kind,
			Metadata: map[string]any{"name": key},
		}))
	}
}

func (suite *HandlerTestSuite) serve(target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	suite.Engine.ServeHTTP(rec, req)
	return rec
}

func (suite *HandlerTestSuite) JSONDecode(r *httptest.ResponseRecorder, dst any) {
	decoder := json.NewDecoder(r.Body)
	err := decoder.Decode(dst)
	suite.Require().NoError(err, "Failed to decode JSON response")
}

func (suite *HandlerTestSuite) TestHealthCheck() {
	rec := suite.serve("/health")

	suite.Equal(http.StatusOK, rec.Code, "Expected status OK")
	var resp map[string]any
	suite.JSONDecode(rec, &resp)
	suite.Equal("healthy", resp["status"].(string), "Expected status to be healthy")
	suite.EqualValues(6, resp["entries"])
	suite.NotContains(resp, "watchers")
}

func (suite *HandlerTestSuite) TestHealthCheckReportsWatchers() {
	supervisor := watcher.NewSupervisor()
	supervisor.Register("docker", true, func() (domain.Watcher, error) {
		return watcher.NewContainerWatcher(nil, suite.Store, watcher.Options{}), nil
	})
	suite.Require().NoError(supervisor.Configure(nil))

	handler, err := rest.NewHandler(rest.Params{Store: suite.Store, Gatherer: prometheus.NewRegistry(), Supervisor: supervisor})
	suite.Require().NoError(err)
	e := echo.New()
	handler.SetupRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	suite.Equal(http.StatusOK, rec.Code)
	var resp map[string]any
	suite.JSONDecode(rec, &resp)
	suite.Equal(map[string]any{"docker": "idle"}, resp["watchers"])
}

func (suite *HandlerTestSuite) TestVersion() {
	rec := suite.serve("/version")

	suite.Equal(http.StatusOK, rec.Code)
	var resp map[string]string
	suite.JSONDecode(rec, &resp)
	suite.Equal("mmcontainers", resp["service"])
	suite.Equal(rest.BuildVersion, resp["version"])
}

func (suite *HandlerTestSuite) TestMetrics() {
	rec := suite.serve("/metrics")

	suite.Equal(http.StatusOK, rec.Code)
	suite.Contains(rec.Body.String(), "mmcontainers_store_entries 6")
}

func (suite *HandlerTestSuite) TestListEntries() {
	rec := suite.serve("/api/v1/entries?prefix=kube/")

	suite.Equal(http.StatusOK, rec.Code)
	suite.NotEmpty(rec.Header().Get("X-Request-ID"))
	var resp rest.ListEntriesResponse
	suite.JSONDecode(rec, &resp)
	suite.True(resp.Success)
	suite.Equal(3, resp.Total)
	keys := make([]string, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		keys = append(keys, e.Key)
	}
	suite.Equal([]string{"kube/default", "kube/default/web-0", "kube/kube-system/dns"}, keys)
}

func (suite *HandlerTestSuite) TestListEntriesLimit() {
	rec := suite.serve("/api/v1/entries?limit=2")
	suite.Equal(http.StatusOK, rec.Code)
	var resp rest.ListEntriesResponse
	suite.JSONDecode(rec, &resp)
	suite.Equal(6, resp.Total)
	suite.Len(resp.Entries, 2)
	suite.Equal("docker/abc", resp.Entries[0].Key)

	rec = suite.serve("/api/v1/entries?limit=zero")
	suite.Equal(http.StatusBadRequest, rec.Code)
	var errResp rest.ErrorResponse
	suite.JSONDecode(rec, &errResp)
	suite.False(errResp.Success)
}

func (suite *HandlerTestSuite) TestGetEntry() {
	rec := suite.serve("/api/v1/entries/kube/default/web-0")

	suite.Equal(http.StatusOK, rec.Code)
	var resp rest.GetEntryResponse
	suite.JSONDecode(rec, &resp)
	suite.Equal("kube/default/web-0", resp.Entry.Key)
	suite.Equal(domain.KindPod, resp.Entry.Record.Kind)
	suite.Equal("kube/default/web-0", resp.Entry.Record.Metadata["name"])
}

func (suite *HandlerTestSuite) TestGetEntryNotFound() {
	rec := suite.serve("/api/v1/entries/docker/missing")

	suite.Equal(http.StatusNotFound, rec.Code)
	var resp rest.ErrorResponse
	suite.JSONDecode(rec, &resp)
	suite.Contains(resp.Error, "docker/missing")
}

func (suite *HandlerTestSuite) TestSwaggerDoc() {
	rec := suite.serve("/swagger/doc.json")

	suite.Equal(http.StatusOK, rec.Code)
	var doc map[string]any
	suite.JSONDecode(rec, &doc)
	suite.Equal("mmcontainers API", doc["info"].(map[string]any)["title"])
	suite.Contains(doc["paths"], "/api/v1/entries")
	suite.Contains(doc["paths"], "/api/v1/entries/{key}")
}
