package soap

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey-austin/avbridge/internal/ports"
	"github.com/mikey-austin/avbridge/pkg/avt"
)

func receive(t *testing.T, c *Client) ports.Completion {
	t.Helper()
	select {
	case completion := <-c.Completions():
		return completion
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for completion")
		return ports.Completion{}
	}
}

func TestSendPostsEnvelope(t *testing.T) {
	var gotAction, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAction = r.Header.Get("SOAPACTION")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`<s:Envelope><s:Body><u:PlayResponse/></s:Body></s:Envelope>`))
	}))
	defer server.Close()

	client := NewClient(zap.NewNop(), Options{HTTP: server.Client(), Workers: 1})
	defer client.Close()

	action := avt.NewAction("Play", avt.ServiceAVTransport).Add("InstanceID", "0").Add("Speed", "1")
	require.NoError(t, client.Send(ports.Request{DeviceID: "dev1", Endpoint: server.URL, Action: action, Seq: 3, Cookie: "c"}))

	completion := receive(t, client)
	require.NoError(t, completion.Err)
	assert.Equal(t, "dev1", completion.DeviceID)
	assert.Equal(t, uint64(3), completion.Seq)
	assert.Equal(t, "c", completion.Cookie)
	assert.Equal(t, "Play", completion.Action)
	assert.Contains(t, string(completion.Body), "PlayResponse")
	assert.Equal(t, `"urn:schemas-upnp-org:service:AVTransport:1#Play"`, gotAction)
	assert.Contains(t, gotBody, "<Speed>1</Speed>")
}

func TestSendReportsFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><detail><UPnPError><errorCode>714</errorCode><errorDescription>Illegal MIME-type</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`))
	}))
	defer server.Close()

	client := NewClient(zap.NewNop(), Options{HTTP: server.Client()})
	defer client.Close()

	action := avt.NewAction("SetAVTransportURI", avt.ServiceAVTransport).Add("InstanceID", "0")
	require.NoError(t, client.Send(ports.Request{DeviceID: "dev1", Endpoint: server.URL, Action: action, Kind: ports.KindAction, Seq: 1}))

	completion := receive(t, client)
	var fault *avt.Fault
	require.True(t, errors.As(completion.Err, &fault))
	assert.Equal(t, 714, fault.Code)
}

func TestSendReportsTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(zap.NewNop(), Options{HTTP: server.Client(), Timeout: 50 * time.Millisecond})
	defer client.Close()

	action := avt.NewAction("Stop", avt.ServiceAVTransport).Add("InstanceID", "0")
	require.NoError(t, client.Send(ports.Request{DeviceID: "dev1", Endpoint: server.URL, Action: action, Seq: 9}))

	completion := receive(t, client)
	assert.Error(t, completion.Err)
	assert.Equal(t, uint64(9), completion.Seq)
}

func TestSendBackpressureAndClose(t *testing.T) {
	arrived := make(chan struct{}, 4)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	client := NewClient(zap.NewNop(), Options{HTTP: server.Client(), Workers: 1, Backlog: 1, Timeout: 5 * time.Second})
	action := avt.NewAction("Play", avt.ServiceAVTransport)
	req := ports.Request{DeviceID: "dev1", Endpoint: server.URL, Action: action}

	require.NoError(t, client.Send(req))
	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatalf("request never reached the server")
	}
	require.NoError(t, client.Send(req))
	assert.ErrorIs(t, client.Send(req), ErrBusy)

	close(release)
	client.Close()
	assert.ErrorIs(t, client.Send(req), ErrClosed)
	client.Close()
}

func TestSendRejectsIncompleteRequest(t *testing.T) {
	client := NewClient(zap.NewNop(), Options{})
	defer client.Close()
	assert.Error(t, client.Send(ports.Request{Endpoint: "http://x"}))
	assert.Error(t, client.Send(ports.Request{Action: avt.NewAction("Play", avt.ServiceAVTransport)}))
}

func TestTruncateBody(t *testing.T) {
	assert.Equal(t, "abc", truncateBody("abcdef", 3))
	assert.Equal(t, "abcdef", truncateBody("abcdef", 0))
}
