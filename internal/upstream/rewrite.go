package upstream

import (
	"intercept-proxy-go/internal/codec"
)

// HostRewriterName is the pipeline name of HostRewriter.
const HostRewriterName = "host-rewriter"

// acceptEncoding is advertised upstream on every request. Both codings are
// undone by the response decompressor.
const acceptEncoding = "deflate, gzip"

// HostRewriter points outgoing request heads at the upstream host and
// advertises the codings the proxy can decode.
type HostRewriter struct {
	host string
}

// NewHostRewriter returns a rewriter for target.
func NewHostRewriter(target Target) *HostRewriter {
	return &HostRewriter{host: target.HostHeader()}
}

func (r *HostRewriter) Name() string { return HostRewriterName }

// Outbound rewrites request heads and passes everything else through.
func (r *HostRewriter) Outbound(p codec.Part) ([]codec.Part, error) {
	h, ok := p.(codec.RequestHeadPart)
	if !ok {
		return []codec.Part{p}, nil
	}
	h.Head = h.Head.Clone()
	h.Head.Header.Set("Host", r.host)
	h.Head.Header.Set("Accept-Encoding", acceptEncoding)
	return []codec.Part{h}, nil
}
