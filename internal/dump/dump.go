// Package dump provides delegates that print every intercepted exchange to
// the terminal, either as a readable transcript or as a replayable cURL
// command.
package dump

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"intercept-proxy-go/internal/model"
)

// Output modes.
const (
	ModePrint = "print"
	ModeCurl  = "curl"
	ModeNone  = "none"
)

// Modes lists the accepted output modes.
var Modes = []string{ModePrint, ModeCurl, ModeNone}

// Substitution replaces From with To in the body of requests to URI.
type Substitution struct {
	URI  string `toml:"uri"`
	From string `toml:"from"`
	To   string `toml:"to"`
}

// Options configures a Dumper.
type Options struct {
	// BaseURL is the upstream endpoint, used to print absolute URLs.
	BaseURL string
	// Mode selects print, curl or none. Empty means print.
	Mode          string
	Substitutions []Substitution
	// Out receives transcripts. Nil means stdout.
	Out io.Writer
	// Err receives diagnostics. Nil means stderr.
	Err io.Writer
	// NoColor disables highlighting of error statuses.
	NoColor bool
}

// Pending is a request still waiting for its response.
type Pending struct {
	ID     string    `json:"id"`
	Method string    `json:"method"`
	URI    string    `json:"uri"`
	Since  time.Time `json:"since"`
}

type entry struct {
	req   model.Request
	since time.Time
}

// Dumper is a relay delegate that records each request until its response
// arrives and then prints both. It is safe for concurrent use.
type Dumper struct {
	base    string
	host    string
	mode    string
	subs    []Substitution
	out     io.Writer
	errOut  io.Writer
	red     *color.Color
	now     func() time.Time
	mu      sync.Mutex
	pending map[string]entry
}

// New returns a Dumper for the given upstream.
func New(opts Options) (*Dumper, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("dump: invalid base url %q: %w", opts.BaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("dump: invalid base url %q: scheme and host required", opts.BaseURL)
	}
	if opts.Mode == "" {
		opts.Mode = ModePrint
	}
	if !slices.Contains(Modes, opts.Mode) {
		return nil, fmt.Errorf("dump: unknown mode %q", opts.Mode)
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Mode == ModeNone {
		opts.Out = io.Discard
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}

	red := color.New(color.FgRed)
	if opts.NoColor {
		red.DisableColor()
	}
	return &Dumper{
		base:    base,
		host:    u.Hostname(),
		mode:    opts.Mode,
		subs:    opts.Substitutions,
		out:     opts.Out,
		errOut:  opts.Err,
		red:     red,
		now:     time.Now,
		pending: make(map[string]entry),
	}, nil
}

// OnRequest applies any matching substitution and records the request as
// pending.
func (d *Dumper) OnRequest(req model.Request, id string) (model.Request, *model.Response) {
	for _, s := range d.subs {
		if s.From == "" || req.URI != s.URI {
			continue
		}
		req.Body = bytes.ReplaceAll(req.Body, []byte(s.From), []byte(s.To))
	}

	d.mu.Lock()
	d.pending[id] = entry{req: req.Clone(), since: d.now()}
	d.mu.Unlock()
	return req, nil
}

// OnResponse prints the exchange and forgets the pending request.
func (d *Dumper) OnResponse(resp model.Response, id string) model.Response {
	d.mu.Lock()
	e, ok := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()

	if !ok {
		fmt.Fprintf(d.errOut, "\n>>>> Missing request data for id '%s' <<<<\n", id)
		return resp
	}

	var buf bytes.Buffer
	d.writeRequest(&buf, id, e.req)
	d.writeResponse(&buf, resp)
	d.emit(buf.Bytes())
	return resp
}

// Lookup returns the pending request recorded under id.
func (d *Dumper) Lookup(id string) (model.Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.pending[id]
	return e.req, ok
}

// Pending lists unanswered requests, oldest first.
func (d *Dumper) Pending() []Pending {
	d.mu.Lock()
	out := make([]Pending, 0, len(d.pending))
	for id, e := range d.pending {
		out = append(out, Pending{ID: id, Method: e.req.Method, URI: e.req.URI, Since: e.since})
	}
	d.mu.Unlock()
	slices.SortFunc(out, func(a, b Pending) int {
		if c := a.Since.Compare(b.Since); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// DumpPending prints every request that never received a response.
func (d *Dumper) DumpPending() {
	list := d.Pending()
	if len(list) == 0 {
		return
	}
	var buf bytes.Buffer
	buf.WriteString("\n>>>>                                                    <<<<\n")
	buf.WriteString(">>>> The following requests did not receive a response: <<<<\n")
	buf.WriteString(">>>>                                                    <<<<\n")
	for _, p := range list {
		if req, ok := d.Lookup(p.ID); ok {
			d.writeRequest(&buf, p.ID, req)
		}
	}
	d.emit(buf.Bytes())
}

func (d *Dumper) emit(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = d.out.Write(b)
}

func (d *Dumper) writeRequest(w *bytes.Buffer, id string, req model.Request) {
	if d.mode == ModeCurl {
		d.writeCurl(w, id, req)
		return
	}
	fmt.Fprintf(w, "\n***** Request %s *****\n", id)
	fmt.Fprintf(w, "Request: %s %s%s\n", req.Method, d.base, req.URI)
	w.WriteString("Headers:\n")
	writeHeader(w, req.Header)
	fmt.Fprintf(w, "Body: %s\n", requestBody(req))
}

func (d *Dumper) writeCurl(w *bytes.Buffer, id string, req model.Request) {
	fmt.Fprintf(w, "\n***** Request %s *****\n", id)
	fmt.Fprintf(w, "curl -X %s \\\n", req.Method)
	for _, f := range req.Header.Fields() {
		value := f.Value
		if strings.EqualFold(f.Name, "Host") {
			value = d.host
		}
		fmt.Fprintf(w, "  -H %s \\\n", shellQuote(f.Name+": "+value))
	}
	if len(req.Body) > 0 {
		fmt.Fprintf(w, "  -d %s \\\n", shellQuote(requestBody(req)))
	}
	fmt.Fprintf(w, "  --compressed %s%s\n", d.base, req.URI)
}

func (d *Dumper) writeResponse(w *bytes.Buffer, resp model.Response) {
	c := color.New()
	c.DisableColor()
	if resp.Status < 200 || resp.Status >= 300 {
		c = d.red
	}
	w.WriteString("\n")
	c.Fprintf(w, "***** Response *****\nStatus: %d %s", resp.Status, resp.Reason())
	w.WriteString("\nHeaders:\n")
	writeHeader(w, resp.Header)
	fmt.Fprintf(w, "\nBody: %s\n", responseBody(resp))
}

func writeHeader(w *bytes.Buffer, h model.Header) {
	for _, f := range h.Fields() {
		fmt.Fprintf(w, "  %s: %s\n", f.Name, f.Value)
	}
}

func requestBody(req model.Request) string {
	if ct := req.Header.Get("Content-Type"); strings.Contains(ct, "octet-stream") {
		return fmt.Sprintf("<non-text content: %s>", ct)
	}
	return bodyText(req.Body)
}

func responseBody(resp model.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); strings.Contains(cd, "attachment") {
		return fmt.Sprintf("<attachment content: %s>", cd)
	}
	return bodyText(resp.Body)
}

func bodyText(b []byte) string {
	if len(b) == 0 {
		return "<no data>"
	}
	return strings.ToValidUTF8(string(b), "�")
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
