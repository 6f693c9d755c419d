package rendereravt

import (
	"errors"
	"sync"

	"github.com/mikey-austin/avbridge/internal/ports"
	"github.com/mikey-austin/avbridge/pkg/avt"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []ports.Request
	reject error
	// rejectName rejects only actions with this name.
	rejectName string
}

func (f *fakeTransport) Send(req ports.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return f.reject
	}
	if f.rejectName != "" && req.Action.Name == f.rejectName {
		return errors.New("rejected " + f.rejectName)
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeTransport) setReject(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject = err
}

func (f *fakeTransport) requests() []ports.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.Request(nil), f.sent...)
}

func (f *fakeTransport) last() ports.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ports.Request{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) names() []string {
	reqs := f.requests()
	out := make([]string, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, req.Action.Name)
	}
	return out
}

func newTestDevice(id string) *Device {
	dev := NewDevice(id, "Living Room", Config{SendMetadata: true, AcceptNextURI: true})
	dev.SetService(ServiceTransport, Service{ControlURL: "http://renderer/avt", Type: avt.ServiceAVTransport})
	dev.SetService(ServiceRendering, Service{ControlURL: "http://renderer/rc", Type: avt.ServiceRenderingControl})
	dev.SetService(ServiceConnection, Service{ControlURL: "http://renderer/cm", Type: avt.ServiceConnectionManager})
	return dev
}

func argPairs(action *avt.Action) []string {
	out := make([]string, 0, len(action.Args))
	for _, arg := range action.Args {
		out = append(out, arg.Name+"="+arg.Value)
	}
	return out
}
