package relay

import "intercept-proxy-go/internal/model"

// Delegate inspects and rewrites exchanges in flight.
//
// Both methods run synchronously on the event loop that owns the
// connection, so a slow delegate stalls every connection on that loop.
// OnRequest and OnResponse for one exchange may run on different loops;
// implementations that keep state across the two must synchronise it.
type Delegate interface {
	// OnRequest is called once per complete request. Returning a non-nil
	// response answers the client directly and no upstream is contacted.
	OnRequest(req model.Request, id string) (model.Request, *model.Response)
	// OnResponse is called once per complete upstream response. id is the
	// value passed to the matching OnRequest.
	OnResponse(resp model.Response, id string) model.Response
}

// PassThrough forwards every exchange unchanged.
type PassThrough struct{}

func (PassThrough) OnRequest(req model.Request, _ string) (model.Request, *model.Response) {
	return req, nil
}

func (PassThrough) OnResponse(resp model.Response, _ string) model.Response { return resp }
