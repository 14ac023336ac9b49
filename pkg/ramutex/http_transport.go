package ramutex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const SourceIdHeaderField = "X-Ramutex-Source-Id"

const MessagePath = "/messages"

type HTTPTransportCfg struct {
	Id PeerID

	// The address to listen on; the site identifier is used if empty.
	LocalAddress string

	Logger Logger
}

// HTTPTransport sends each message as a POST request whose body is the JSON
// encoding of the message. The identifier of a site is the address its
// transport can be reached at.
type HTTPTransport struct {
	Cfg HTTPTransportCfg
	Log Logger

	Id           PeerID
	LocalAddress string

	httpServer *http.Server
	httpClient *http.Client
	listener   net.Listener

	deliver DeliverFunc

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

func NewHTTPTransport(cfg HTTPTransportCfg) (*HTTPTransport, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty site id")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	localAddress := cfg.LocalAddress
	if localAddress == "" {
		localAddress = string(cfg.Id)
	}

	t := &HTTPTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:           cfg.Id,
		LocalAddress: localAddress,

		stopChan: make(chan struct{}),
	}

	return t, nil
}

// Listen creates the listening socket without serving requests yet. It is
// useful to obtain the actual address of the transport when listening on
// port 0. Start calls Listen if it has not been called before.
func (t *HTTPTransport) Listen() (net.Addr, error) {
	if t.listener != nil {
		return t.listener.Addr(), nil
	}

	listener, err := net.Listen("tcp", t.LocalAddress)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on %s: %w", t.LocalAddress, err)
	}

	t.listener = listener

	return listener.Addr(), nil
}

func (t *HTTPTransport) Start(deliver DeliverFunc) error {
	t.deliver = deliver

	if _, err := t.Listen(); err != nil {
		return err
	}

	t.Log.Info("listening on %s", t.listener.Addr())

	t.httpServer = &http.Server{
		Addr:              t.LocalAddress,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t,
	}

	t.httpClient = newHTTPClient()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				t.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		if err := t.httpServer.Serve(t.listener); err != http.ErrServerClosed {
			t.Log.Error("server error: %v", err)
		}
	}()

	return nil
}

func (t *HTTPTransport) Stop() {
	close(t.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if t.httpServer != nil {
		t.httpServer.Shutdown(ctx)
	}

	t.wg.Wait()

	if t.httpClient != nil {
		t.httpClient.CloseIdleConnections()
	}
}

func (t *HTTPTransport) Send(recipientId PeerID, msg Msg) {
	if err := t.sendMsg(recipientId, msg); err != nil {
		t.Log.Error("cannot send %v to %s: %v", msg, recipientId, err)
	}
}

func (t *HTTPTransport) sendMsg(recipientId PeerID, msg Msg) error {
	t.Log.Debug(2, "sending %v to %s", msg, recipientId)

	msgData, err := EncodeMsg(msg)
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}

	uri := url.URL{
		Scheme: "http",
		Host:   string(recipientId),
		Path:   MessagePath,
	}

	req, err := http.NewRequest("POST", uri.String(), bytes.NewReader(msgData))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SourceIdHeaderField, string(t.Id))

	// Send the request asynchronously to avoid blocking the site
	t.wg.Add(1)
	go t.sendMsgRequest(recipientId, msg, req)

	return nil
}

func (t *HTTPTransport) sendMsgRequest(recipientId PeerID, msg Msg, req *http.Request) {
	defer t.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			t.Log.Error("cannot send request: panic: %s\n%s", msg, trace)
		}
	}()

	res, err := t.httpClient.Do(req)
	if err != nil {
		t.Log.Error("cannot send %v to %s: %v", msg, recipientId, err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != 204 {
		var errMsg string

		body, err := io.ReadAll(res.Body)
		if err == nil {
			errMsg = string(body)

			if idx := strings.IndexAny(errMsg, "\r\n"); idx > 0 {
				errMsg = errMsg[:idx]
			}

			if errMsg != "" {
				errMsg = ": " + errMsg
			}
		} else {
			t.Log.Error("cannot read response from %s: %v", recipientId, err)
		}

		t.Log.Error("http request to %s failed with status %d%s",
			recipientId, res.StatusCode, errMsg)
	}
}

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != MessagePath {
		t.replyError(w, 404, "unknown path %q", req.URL.Path)
		return
	}

	if req.Method != "POST" {
		t.replyError(w, 405, "unsupported method %q", req.Method)
		return
	}

	sourceId := req.Header.Get(SourceIdHeaderField)
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty %s header field",
			SourceIdHeaderField)
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := DecodeMsg(data)
	if err != nil {
		t.replyError(w, 400, "invalid message: %v", err)
		return
	}

	select {
	case <-t.stopChan:
		t.replyError(w, 503, "site stopping")
		return
	default:
	}

	t.replyEmpty(w, 204)

	t.deliver(IncomingMsg{
		SourceId: PeerID(sourceId),
		Msg:      msg,
	})
}

func (t *HTTPTransport) replyEmpty(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

func (t *HTTPTransport) replyText(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.Log.Error(format, args...)
	t.replyText(w, status, format, args...)
}
