package executors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/workflow"
)

type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

func newHTTPFixture(t *testing.T, status int, contentType, body string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf [4096]byte
		n, _ := r.Body.Read(buf[:])
		seen = append(seen, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   string(buf[:n]),
		})
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestHTTPRequestParsesJSONBody(t *testing.T) {
	srv, _ := newHTTPFixture(t, http.StatusOK, "application/json", `{"users":[{"name":"ada"}]}`)
	ec := newExecContext(nil)
	e := &httpRequestExecutor{client: srv.Client()}
	node := workflow.Node{ID: "http-1", Parameters: map[string]any{"url": srv.URL + "/users"}}

	out, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.NoError(t, err)
	env := out.OutputsByHandle[workflow.HandleMain]
	require.Len(t, env, 1)
	assert.Equal(t, float64(200), env[0]["statusCode"])
	// The raw body is always a string; parsed JSON rides alongside it.
	assert.Equal(t, `{"users":[{"name":"ada"}]}`, env[0]["body"])
	parsed := env[0]["json"].(map[string]any)
	assert.Len(t, parsed["users"], 1)
}

func TestHTTPRequestPlainBodyHasNoJSONField(t *testing.T) {
	srv, _ := newHTTPFixture(t, http.StatusOK, "text/plain", "hello")
	ec := newExecContext(nil)
	e := &httpRequestExecutor{client: srv.Client()}
	node := workflow.Node{ID: "http-1", Parameters: map[string]any{"url": srv.URL}}

	out, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.NoError(t, err)
	env := out.OutputsByHandle[workflow.HandleMain]
	require.Len(t, env, 1)
	assert.Equal(t, "hello", env[0]["body"])
	_, hasJSON := env[0]["json"]
	assert.False(t, hasJSON)
}

func TestHTTPRequestOnePerItem(t *testing.T) {
	srv, seen := newHTTPFixture(t, http.StatusOK, "text/plain", "ok")
	ec := newExecContext(nil)
	e := &httpRequestExecutor{client: srv.Client()}
	node := workflow.Node{ID: "http-1", Parameters: map[string]any{
		"url":    srv.URL + "/items/{{ id }}",
		"method": "post",
		"body":   `{"id":"{{ id }}"}`,
	}}
	env := workflow.Envelope{{"id": "a"}, {"id": "b"}}

	out, err := e.Execute(context.Background(), node, mainInput(env), ec)
	require.NoError(t, err)
	assert.Len(t, out.OutputsByHandle[workflow.HandleMain], 2)
	require.Len(t, *seen, 2)
	assert.Equal(t, "POST", (*seen)[0].Method)
	assert.Equal(t, "/items/a", (*seen)[0].Path)
	assert.Equal(t, `{"id":"b"}`, (*seen)[1].Body)
	assert.Equal(t, "application/json", (*seen)[0].Header.Get("Content-Type"))
}

func TestHTTPRequestFailOnStatus(t *testing.T) {
	srv, _ := newHTTPFixture(t, http.StatusBadGateway, "text/plain", "upstream broke")
	ec := newExecContext(nil)
	e := &httpRequestExecutor{client: srv.Client()}
	node := workflow.Node{ID: "http-1", Parameters: map[string]any{"url": srv.URL}}

	_, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindExec, engineerrors.KindOf(err))
}

func TestHTTPRequestFailOnStatusDisabled(t *testing.T) {
	srv, _ := newHTTPFixture(t, http.StatusNotFound, "text/plain", "missing")
	ec := newExecContext(nil)
	e := &httpRequestExecutor{client: srv.Client()}
	node := workflow.Node{ID: "http-1", Parameters: map[string]any{
		"url":          srv.URL,
		"failOnStatus": false,
	}}

	out, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.NoError(t, err)
	env := out.OutputsByHandle[workflow.HandleMain]
	assert.Equal(t, float64(404), env[0]["statusCode"])
	assert.Equal(t, "missing", env[0]["body"])
}

func TestHTTPRequestRequiresURL(t *testing.T) {
	ec := newExecContext(nil)
	e := &httpRequestExecutor{client: http.DefaultClient}
	_, err := e.Execute(context.Background(), workflow.Node{ID: "http-1"}, mainInput(workflow.SingleItem(nil)), ec)
	require.Error(t, err)
	assert.Equal(t, engineerrors.KindConfig, engineerrors.KindOf(err))
}

func TestHTTPRequestCustomHeaders(t *testing.T) {
	srv, seen := newHTTPFixture(t, http.StatusOK, "text/plain", "ok")
	ec := newExecContext(nil)
	e := &httpRequestExecutor{client: srv.Client()}
	node := workflow.Node{ID: "http-1", Parameters: map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Trace": "{{ trace }}"},
	}}

	_, err := e.Execute(context.Background(), node, mainInput(workflow.Envelope{{"trace": "abc123"}}), ec)
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Equal(t, "abc123", (*seen)[0].Header.Get("X-Trace"))
}

func TestHTTPRequestBearerCredential(t *testing.T) {
	srv, seen := newHTTPFixture(t, http.StatusOK, "text/plain", "ok")

	vault := &staticVault{byName: map[string]execution.Secret{
		"apiToken": {Name: "apiToken", Type: "bearer", Value: "s3cret"},
	}}
	logger := execlog.New(execlog.LevelInfo, true)
	h := &logCapture{}
	logger.AddHandler(h)
	ec := execution.NewContext(execution.ContextOptions{
		Workflow: &workflow.Workflow{ID: 1, Name: "wf", TriggerType: workflow.TriggerManual,
			Nodes: []workflow.Node{{ID: "http-1", Type: "httpRequest", Name: "Fetch"}}},
		Vault:  vault,
		Logger: logger,
	})

	e := &httpRequestExecutor{client: srv.Client()}
	node := workflow.Node{ID: "http-1", Parameters: map[string]any{
		"url":        srv.URL,
		"credential": "apiToken",
	}}

	_, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Equal(t, "Bearer s3cret", (*seen)[0].Header.Get("Authorization"))

	// The fetched secret is redacted from subsequent log records.
	ec.Log(execlog.LevelInfo, execlog.CategoryInfo, "http-1", "token s3cret used", nil)
	require.NotEmpty(t, h.recs)
	assert.Equal(t, "token *** used", h.recs[len(h.recs)-1].Message)
}

func TestHTTPRequestHeaderCredential(t *testing.T) {
	srv, seen := newHTTPFixture(t, http.StatusOK, "text/plain", "ok")

	vault := &staticVault{byName: map[string]execution.Secret{
		"apiKey": {Name: "apiKey", Type: "header", Value: "k-123", Extra: map[string]string{"header": "X-Service-Key"}},
	}}
	ec := execution.NewContext(execution.ContextOptions{
		Workflow: &workflow.Workflow{ID: 1, Name: "wf", TriggerType: workflow.TriggerManual,
			Nodes: []workflow.Node{{ID: "http-1", Type: "httpRequest", Name: "Fetch"}}},
		Vault: vault,
	})

	e := &httpRequestExecutor{client: srv.Client()}
	node := workflow.Node{ID: "http-1", Parameters: map[string]any{
		"url":        srv.URL,
		"credential": "apiKey",
	}}

	_, err := e.Execute(context.Background(), node, mainInput(workflow.SingleItem(nil)), ec)
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Equal(t, "k-123", (*seen)[0].Header.Get("X-Service-Key"))
}

type staticVault struct {
	byID   map[int64]execution.Secret
	byName map[string]execution.Secret
}

func (v *staticVault) ByID(_ context.Context, id int64) (execution.Secret, error) {
	s, ok := v.byID[id]
	if !ok {
		return execution.Secret{}, engineerrors.Newf(engineerrors.KindConfig, "credential %d not found", id)
	}
	return s, nil
}

func (v *staticVault) ByName(_ context.Context, name string) (execution.Secret, bool, error) {
	s, ok := v.byName[name]
	return s, ok, nil
}

type logCapture struct {
	recs []execlog.Record
}

func (c *logCapture) Handle(rec execlog.Record) { c.recs = append(c.recs, rec) }
