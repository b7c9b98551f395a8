package executors

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// maxResponseBytes caps how much of an HTTP response body is read into an
// item.
const maxResponseBytes = 10 << 20

// httpRequestExecutor performs one HTTP request per input item and emits one
// result item per request.
type httpRequestExecutor struct {
	client *http.Client
}

func (e *httpRequestExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "httpRequest",
		Category: registry.CategoryAction,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleMain},
	}
}

func (e *httpRequestExecutor) Execute(ctx context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	env := input.Main()
	out := make(workflow.Envelope, 0, len(env))
	for _, item := range env {
		result, err := e.request(ctx, node, item, ec)
		if err != nil {
			return registry.Output{}, err
		}
		out = append(out, result)
	}
	return mainOutput(out), nil
}

func (e *httpRequestExecutor) request(ctx context.Context, node workflow.Node, item workflow.Item, ec *execution.Context) (workflow.Item, error) {
	url, err := requiredStringParam(node, ec, item, "url")
	if err != nil {
		return nil, err
	}
	method, err := stringParam(node, ec, item, "method", http.MethodGet)
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(method)
	body, err := stringParam(node, ec, item, "body", "")
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, engineerrors.Config(node.ID, "url", err.Error())
	}
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := e.setHeaders(req, node, item, ec); err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, req, node, item, ec); err != nil {
		return nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		ee := engineerrors.NewWithCause(engineerrors.KindExec, fmt.Sprintf("http request failed: %v", err), err)
		ee.NodeID = node.ID
		return nil, ee
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		ee := engineerrors.NewWithCause(engineerrors.KindExec, "reading response body failed", err)
		ee.NodeID = node.ID
		return nil, ee
	}

	if boolParam(node, "failOnStatus", true) && resp.StatusCode >= 400 {
		ee := engineerrors.Newf(engineerrors.KindExec, "node %q: http status %d from %s", node.ID, resp.StatusCode, url)
		ee.NodeID = node.ID
		return nil, ee
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := workflow.Item{
		"statusCode": float64(resp.StatusCode),
		"headers":    headers,
		"body":       string(raw),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if json.Unmarshal(raw, &parsed) == nil {
			result["json"] = parsed
		}
	}
	return result, nil
}

func (e *httpRequestExecutor) setHeaders(req *http.Request, node workflow.Node, item workflow.Item, ec *execution.Context) error {
	raw, ok := node.Parameters["headers"]
	if !ok {
		return nil
	}
	headers, ok := raw.(map[string]any)
	if !ok {
		return engineerrors.Config(node.ID, "headers", "expected an object")
	}
	for k, v := range headers {
		s, ok := v.(string)
		if !ok {
			return engineerrors.Config(node.ID, "headers", fmt.Sprintf("header %q must be a string", k))
		}
		rendered, err := stringParamValue(node, ec, item, "headers", s)
		if err != nil {
			return err
		}
		req.Header.Set(k, rendered)
	}
	return nil
}

// authorize injects the node's credential: bearer and basic schemes go into
// Authorization, header-typed credentials into the header named by the
// credential's extra fields.
func (e *httpRequestExecutor) authorize(ctx context.Context, req *http.Request, node workflow.Node, item workflow.Item, ec *execution.Context) error {
	alias, err := stringParam(node, ec, item, "credential", "")
	if err != nil {
		return err
	}
	if node.CredentialID == nil && alias == "" {
		return nil
	}
	secret, err := ec.CredentialForNode(ctx, node, alias)
	if err != nil {
		return err
	}
	switch secret.Type {
	case "basic":
		user := secret.Extra["username"]
		req.Header.Set("Authorization", "Basic "+
			base64.StdEncoding.EncodeToString([]byte(user+":"+secret.Value)))
	case "header":
		name := secret.Extra["header"]
		if name == "" {
			name = "X-Api-Key"
		}
		req.Header.Set(name, secret.Value)
	default:
		req.Header.Set("Authorization", "Bearer "+secret.Value)
	}
	return nil
}

// stringParamValue interpolates an inline string value (header entries) the
// same way stringParam treats named parameters.
func stringParamValue(node workflow.Node, ec *execution.Context, item workflow.Item, field, s string) (string, error) {
	v, err := resolveTemplated(node, ec, item, field, s)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", v), nil
}
