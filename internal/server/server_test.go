package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogSource struct {
	body string
	err  error
}

func (f fakeLogSource) Logs(ctx context.Context, ns, pod, container string, sink io.Writer) error {
	if f.err != nil {
		return f.err
	}
	_, err := sink.Write([]byte(f.body))
	return err
}

type fakeAuthorizer struct {
	allow bool
	err   error
}

func (f fakeAuthorizer) CanAccess(ctx context.Context, user string, groups []string, ns, verb, subresource string) (bool, error) {
	return f.allow, f.err
}

func TestHealthzReturnsOK(t *testing.T) {
	s := New(Config{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestContainerLogsStreamsBody(t *testing.T) {
	s := New(Config{Logs: fakeLogSource{body: "hello from container\n"}})
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/containerLogs/default/mypod/main")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello from container\n", string(body))
}

func TestContainerLogsNotFoundWhenNoBytesWritten(t *testing.T) {
	s := New(Config{Logs: fakeLogSource{err: fmt.Errorf("no such container")}})
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/containerLogs/default/mypod/main")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContainerLogsForbiddenWhenAuthorizerDenies(t *testing.T) {
	s := New(Config{Logs: fakeLogSource{body: "secret"}, Authorizer: fakeAuthorizer{allow: false}})
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/containerLogs/default/mypod/main")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestExecReturnsNotImplementedWithoutExecSource(t *testing.T) {
	s := New(Config{})
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/exec/default/mypod/main?command=ls")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestExecRejectsUnparsableCommand(t *testing.T) {
	s := New(Config{Exec: fakeExecSource{}})
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Get(ts.URL + `/exec/default/mypod/main?command=%22unterminated`)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type fakeExecSource struct{}

func (fakeExecSource) Exec(ctx context.Context, ns, pod, container string, command []string, stdin io.Reader, stdout, stderr io.Writer) error {
	return nil
}

func TestIdentityFromRequestWithoutTLSIsEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	user, groups := identityFromRequest(req)
	assert.Empty(t, user)
	assert.Empty(t, groups)
}
