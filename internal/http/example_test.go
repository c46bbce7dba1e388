package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/runtimed/internal/event"
	httpserver "github.com/fyrsmithlabs/runtimed/internal/http"
	"github.com/fyrsmithlabs/runtimed/internal/runtime"
)

// ExampleServer starts an execution through the admin API and reads it
// back.
func ExampleServer() {
	rt := runtime.New(runtime.DefaultConfig())
	defer func() { _ = rt.Shutdown(context.Background()) }()
	rt.On("review.requested", func(context.Context, event.Event) error { return nil })

	server, err := httpserver.NewServer(rt, zap.NewNop(), &httpserver.Config{Version: "dev"})
	if err != nil {
		panic(err)
	}

	body := `{"id":"review-42","tenant_id":"acme","event":{"type":"review.requested","data":{"pr":42}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	fmt.Println("start:", rec.Code)

	if _, err := rt.Wait(context.Background(), "review-42"); err != nil {
		panic(err)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/executions/review-42", nil))
	var info runtime.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		panic(err)
	}
	fmt.Println(info.ID, info.TenantID, info.Status)
	// Output:
	// start: 202
	// review-42 acme completed
}
