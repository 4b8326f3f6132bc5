package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Response holds the status and headers parsed from a worker's reply,
// once both frames have arrived.
type Response struct {
	Status  int
	Headers http.Header
}

// ExchangeEventKind tags an event delivered on an Exchange's event channel.
type ExchangeEventKind int

const (
	EventHeaders ExchangeEventKind = iota
	EventData
	EventEnd
	EventError
)

// ExchangeEvent is one notification in the ordered sequence status,
// headers, body..., end (or an error that stops the sequence early).
type ExchangeEvent struct {
	Kind ExchangeEventKind
	Data []byte
	Err  error
}

// Exchange represents one request/response pair on a worker connection.
// It owns the outbound write-queue and the inbound response buffer for
// its lifetime; it does not outlive the Client that created it.
type Exchange struct {
	client *Client

	mu       sync.Mutex
	Response *Response
	ended    bool
	stopped  bool

	events    chan ExchangeEvent
	closeOnce sync.Once
}

func newExchange(cl *Client) *Exchange {
	return &Exchange{
		client: cl,
		events: make(chan ExchangeEvent, 32),
	}
}

// Events returns the channel of response notifications: exactly one
// EventHeaders (once status+headers are parsed), then zero or more
// EventData in wire order, then EventEnd — or an EventError that stops
// delivery early. The channel is closed after the terminal event.
func (ex *Exchange) Events() <-chan ExchangeEvent {
	return ex.events
}

// Write sends one request-body chunk. Refused after End.
func (ex *Exchange) Write(chunk []byte) error {
	ex.mu.Lock()
	if ex.ended {
		ex.mu.Unlock()
		return ErrExchangeEnded
	}
	ex.mu.Unlock()
	return ex.client.write(EncodeNetstring(chunk))
}

// End appends an optional final chunk and then the zero-length
// sentinel, marking the exchange non-writable outbound.
func (ex *Exchange) End(chunk []byte) error {
	if len(chunk) > 0 {
		if err := ex.Write(chunk); err != nil {
			return err
		}
	}
	ex.mu.Lock()
	ex.ended = true
	ex.mu.Unlock()
	return ex.client.write(EncodeNetstring(nil))
}

func (ex *Exchange) fail(err error) {
	ex.mu.Lock()
	if ex.stopped {
		ex.mu.Unlock()
		return
	}
	ex.stopped = true
	ex.mu.Unlock()

	select {
	case ex.events <- ExchangeEvent{Kind: EventError, Err: err}:
	default:
	}
	ex.closeOnce.Do(func() { close(ex.events) })
}

func (ex *Exchange) readLoop(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	statusFrame, err := ReadNetstring(r)
	if err != nil {
		ex.fail(err)
		return
	}
	var status int
	if err := json.Unmarshal(statusFrame, &status); err != nil {
		ex.fail(fmt.Errorf("%w: status frame: %v", ErrProtocolMalformed, err))
		return
	}

	headerFrame, err := ReadNetstring(r)
	if err != nil {
		ex.fail(err)
		return
	}
	var raw map[string]string
	if err := json.Unmarshal(headerFrame, &raw); err != nil {
		ex.fail(fmt.Errorf("%w: header frame: %v", ErrProtocolMalformed, err))
		return
	}

	ex.mu.Lock()
	ex.Response = &Response{Status: status, Headers: foldHeaders(raw)}
	ex.mu.Unlock()

	select {
	case ex.events <- ExchangeEvent{Kind: EventHeaders}:
	default:
	}

	for {
		frame, err := ReadNetstring(r)
		if err != nil {
			ex.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		if IsSentinel(frame) {
			ex.mu.Lock()
			ex.stopped = true
			ex.mu.Unlock()
			ex.events <- ExchangeEvent{Kind: EventEnd}
			ex.closeOnce.Do(func() { close(ex.events) })
			return
		}
		ex.events <- ExchangeEvent{Kind: EventData, Data: frame}
	}
}

// foldHeaders expands embedded-newline header values into repeated
// occurrences of the same header name, per the response framing rule.
func foldHeaders(raw map[string]string) http.Header {
	h := http.Header{}
	for k, v := range raw {
		if strings.Contains(v, "\n") {
			for _, line := range strings.Split(v, "\n") {
				h.Add(k, line)
			}
			continue
		}
		h.Add(k, v)
	}
	return h
}

// Client opens a stream connection to one worker socket and serialises
// a single HTTP-like exchange onto it. Outbound frames written before
// the connection finishes opening are queued and flushed in order.
type Client struct {
	mu             sync.Mutex
	conn           net.Conn
	connected      bool
	connErr        error
	pending        [][]byte
	exchange       *Exchange
	onConnectError func(error)
}

// ClientOption configures a Client constructed by NewClient.
type ClientOption func(*Client)

// WithOnConnectError registers a callback invoked if the dialer fails.
func WithOnConnectError(fn func(error)) ClientOption {
	return func(c *Client) { c.onConnectError = fn }
}

// NewClient starts dialing asynchronously via dial and returns
// immediately; writes made before the dial completes are queued.
func NewClient(dial func() (net.Conn, error), opts ...ClientOption) *Client {
	cl := &Client{}
	for _, opt := range opts {
		opt(cl)
	}
	go cl.connect(dial)
	return cl
}

func (cl *Client) connect(dial func() (net.Conn, error)) {
	conn, err := dial()
	if err != nil {
		// The callback runs before connErr is published, so it has
		// always fired by the time any exchange observes the failure.
		if cl.onConnectError != nil {
			cl.onConnectError(err)
		}
		cl.mu.Lock()
		cl.connErr = err
		ex := cl.exchange
		cl.mu.Unlock()
		if ex != nil {
			ex.fail(err)
		}
		return
	}

	// The pending queue must drain under the same lock hold that flips
	// connected, or a concurrent write() could observe connected==true
	// and write straight to conn ahead of these still-queued frames.
	cl.mu.Lock()
	cl.conn = conn
	pending := cl.pending
	cl.pending = nil
	for _, frame := range pending {
		if _, err := conn.Write(frame); err != nil {
			cl.connErr = err
			ex := cl.exchange
			cl.mu.Unlock()
			if ex != nil {
				ex.fail(err)
			}
			return
		}
	}
	cl.connected = true
	ex := cl.exchange
	cl.mu.Unlock()

	if ex != nil {
		go ex.readLoop(conn)
	}
}

func (cl *Client) write(frame []byte) error {
	cl.mu.Lock()
	if cl.connErr != nil {
		err := cl.connErr
		cl.mu.Unlock()
		return err
	}
	if !cl.connected {
		cl.pending = append(cl.pending, frame)
		cl.mu.Unlock()
		return nil
	}
	conn := cl.conn
	cl.mu.Unlock()
	_, err := conn.Write(frame)
	return err
}

// Request serialises method/url/headers/meta into the environment-map
// frame and returns an Exchange. It always succeeds synchronously;
// dial or protocol failures surface asynchronously as an EventError.
func (cl *Client) Request(method string, u *url.URL, headers http.Header, meta map[string]string) *Exchange {
	ex := newExchange(cl)

	cl.mu.Lock()
	cl.exchange = ex
	connected := cl.connected
	connErr := cl.connErr
	conn := cl.conn
	cl.mu.Unlock()

	env := BuildEnvironment(method, u, headers, meta)
	envJSON, err := json.Marshal(env)
	if err != nil {
		ex.fail(fmt.Errorf("%w: environment: %v", ErrProtocolMalformed, err))
		return ex
	}

	if connErr != nil {
		ex.fail(connErr)
		return ex
	}

	if err := cl.write(EncodeNetstring(envJSON)); err != nil {
		ex.fail(err)
		return ex
	}

	if connected {
		go ex.readLoop(conn)
	}
	return ex
}

// ProxyRequest composes Request with bidirectional body pumping: the
// caller's request body is streamed out as it is read, and the
// worker's status/headers/body are written to resp as they arrive.
func (cl *Client) ProxyRequest(req *http.Request, resp http.ResponseWriter) error {
	meta := map[string]string{}
	ex := cl.Request(req.Method, req.URL, req.Header, meta)

	go func() {
		if req.Body != nil {
			buf := make([]byte, 32*1024)
			for {
				n, rerr := req.Body.Read(buf)
				if n > 0 {
					if werr := ex.Write(buf[:n]); werr != nil {
						break
					}
				}
				if rerr != nil {
					break
				}
			}
		}
		_ = ex.End(nil)
	}()

	headersSent := false
	for ev := range ex.Events() {
		switch ev.Kind {
		case EventHeaders:
			for k, vs := range ex.Response.Headers {
				for _, v := range vs {
					resp.Header().Add(k, v)
				}
			}
			resp.WriteHeader(ex.Response.Status)
			headersSent = true
		case EventData:
			if !headersSent {
				resp.WriteHeader(http.StatusOK)
				headersSent = true
			}
			if _, err := resp.Write(ev.Data); err != nil {
				return err
			}
			if f, ok := resp.(http.Flusher); ok {
				f.Flush()
			}
		case EventEnd:
			return nil
		case EventError:
			return ev.Err
		}
	}
	return nil
}
