package router

import (
	"strings"
	"testing"

	"github.com/oscore-coap/engine/coaperr"
	"github.com/oscore-coap/engine/message"
)

func uriPathOptions(path string) message.Options {
	var opts message.Options
	for _, seg := range strings.Split(path, "/") {
		opts = opts.Append(message.Option{ID: message.OptionURIPath, Value: []byte(seg)})
	}
	return opts
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	r := NewRouter()
	r.Register(&Resource{
		Path: "sensors/temp",
		Handlers: map[message.Code]Handler{
			message.GET: func(req Request) (Response, error) {
				return Response{Code: message.Content, Payload: []byte("21C")}, nil
			},
		},
		LinkAttributes: map[string]string{"rt": "temperature"},
	})

	resp, err := r.Dispatch(message.GET, uriPathOptions("sensors/temp"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Payload) != "21C" {
		t.Fatalf("unexpected payload: %q", resp.Payload)
	}
}

func TestDispatchUnknownPathReturnsResourceAbsent(t *testing.T) {
	r := NewRouter()
	_, err := r.Dispatch(message.GET, uriPathOptions("nope"), nil)
	cerr, ok := err.(*coaperr.Error)
	if !ok || cerr.Kind != coaperr.ResourceAbsent {
		t.Fatalf("expected ResourceAbsent, got %v", err)
	}
}

func TestDispatchWrongMethodReturnsMethodNotAllowed(t *testing.T) {
	r := NewRouter()
	r.Register(&Resource{
		Path:     "sensors/temp",
		Handlers: map[message.Code]Handler{message.GET: func(Request) (Response, error) { return Response{}, nil }},
	})
	_, err := r.Dispatch(message.POST, uriPathOptions("sensors/temp"), nil)
	cerr, ok := err.(*coaperr.Error)
	if !ok || cerr.Kind != coaperr.MethodNotAllowed {
		t.Fatalf("expected MethodNotAllowed, got %v", err)
	}
}

func TestWellKnownCoreFiltersByQuery(t *testing.T) {
	r := NewRouter()
	r.Register(&Resource{Path: "sensors/temp", LinkAttributes: map[string]string{"rt": "temperature"}, Handlers: map[message.Code]Handler{}})
	r.Register(&Resource{Path: "sensors/humidity", LinkAttributes: map[string]string{"rt": "humidity"}, Handlers: map[message.Code]Handler{}})

	var q message.Options
	q = q.Append(message.Option{ID: message.OptionURIQuery, Value: []byte("rt=temperature")})

	resp, err := r.Dispatch(message.GET, q, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := string(resp.Payload)
	if !strings.Contains(body, "sensors/temp") || strings.Contains(body, "sensors/humidity") {
		t.Fatalf("expected only temperature resource in filtered listing, got %q", body)
	}
}

func TestWellKnownCoreUnfilteredListsAll(t *testing.T) {
	r := NewRouter()
	r.Register(&Resource{Path: "a", LinkAttributes: map[string]string{}, Handlers: map[message.Code]Handler{}})
	r.Register(&Resource{Path: "b", LinkAttributes: map[string]string{}, Handlers: map[message.Code]Handler{}})

	resp, err := r.Dispatch(message.GET, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := string(resp.Payload)
	if !strings.Contains(body, "</a>") || !strings.Contains(body, "</b>") {
		t.Fatalf("expected both resources listed, got %q", body)
	}
}
