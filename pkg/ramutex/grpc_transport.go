package ramutex

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const (
	grpcServiceName   = "ramutex.Site"
	grpcDeliverMethod = "/ramutex.Site/Deliver"
	grpcCodecName     = "json"
)

func init() {
	encoding.RegisterCodec(grpcJSONCodec{})
}

type grpcJSONCodec struct{}

func (grpcJSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (grpcJSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (grpcJSONCodec) Name() string {
	return grpcCodecName
}

type grpcEnvelope struct {
	SourceId PeerID          `json:"sourceId"`
	Msg      json.RawMessage `json:"msg"`
}

type grpcAck struct{}

type grpcSiteServer interface {
	Deliver(context.Context, *grpcEnvelope) (*grpcAck, error)
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*grpcSiteServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    grpcDeliverHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

func grpcDeliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(grpcEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(grpcSiteServer).Deliver(ctx, in)
	}

	info := grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: grpcDeliverMethod,
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(grpcSiteServer).Deliver(ctx, req.(*grpcEnvelope))
	}

	return interceptor(ctx, in, &info, handler)
}

type GRPCTransportCfg struct {
	Id PeerID

	// The address to listen on; the site identifier is used if empty.
	LocalAddress string

	Logger Logger

	SendTimeout time.Duration
}

// GRPCTransport sends messages with a unary gRPC call. Messages are encoded
// in JSON, so no generated protobuf code is involved.
type GRPCTransport struct {
	Cfg GRPCTransportCfg
	Log Logger

	Id           PeerID
	LocalAddress string

	grpcServer *grpc.Server
	listener   net.Listener

	conns   map[PeerID]*grpc.ClientConn
	connsMu sync.Mutex

	deliver DeliverFunc

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewGRPCTransport(cfg GRPCTransportCfg) (*GRPCTransport, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty site id")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 10 * time.Second
	}

	localAddress := cfg.LocalAddress
	if localAddress == "" {
		localAddress = string(cfg.Id)
	}

	t := &GRPCTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:           cfg.Id,
		LocalAddress: localAddress,

		conns: make(map[PeerID]*grpc.ClientConn),

		stopChan: make(chan struct{}),
	}

	return t, nil
}

func (t *GRPCTransport) Listen() (net.Addr, error) {
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

func (t *GRPCTransport) Start(deliver DeliverFunc) error {
	t.deliver = deliver

	if _, err := t.Listen(); err != nil {
		return err
	}

	t.Log.Info("listening on %s", t.listener.Addr())

	t.grpcServer = grpc.NewServer()
	t.grpcServer.RegisterService(&grpcServiceDesc, t)

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

		if err := t.grpcServer.Serve(t.listener); err != nil {
			t.Log.Error("server error: %v", err)
		}
	}()

	return nil
}

func (t *GRPCTransport) Stop() {
	close(t.stopChan)

	if t.grpcServer != nil {
		t.grpcServer.Stop()
	}

	t.wg.Wait()

	t.connsMu.Lock()
	for id, conn := range t.conns {
		if err := conn.Close(); err != nil {
			t.Log.Error("cannot close connection to %s: %v", id, err)
		}
	}
	t.conns = make(map[PeerID]*grpc.ClientConn)
	t.connsMu.Unlock()
}

func (t *GRPCTransport) Send(recipientId PeerID, msg Msg) {
	t.Log.Debug(2, "sending %v to %s", msg, recipientId)

	msgData, err := EncodeMsg(msg)
	if err != nil {
		t.Log.Error("cannot encode %v: %v", msg, err)
		return
	}

	conn, err := t.conn(recipientId)
	if err != nil {
		t.Log.Error("cannot send %v to %s: %v", msg, recipientId, err)
		return
	}

	envelope := grpcEnvelope{
		SourceId: t.Id,
		Msg:      msgData,
	}

	// Send the request asynchronously to avoid blocking the site
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(),
			t.Cfg.SendTimeout)
		defer cancel()

		var ack grpcAck

		err := conn.Invoke(ctx, grpcDeliverMethod, &envelope, &ack,
			grpc.CallContentSubtype(grpcCodecName))
		if err != nil {
			t.Log.Error("cannot send %v to %s: %v", msg, recipientId, err)
		}
	}()
}

func (t *GRPCTransport) conn(id PeerID) (*grpc.ClientConn, error) {
	t.connsMu.Lock()
	defer t.connsMu.Unlock()

	if conn, found := t.conns[id]; found {
		return conn, nil
	}

	conn, err := grpc.NewClient(string(id),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("cannot create client: %w", err)
	}

	t.conns[id] = conn

	return conn, nil
}

func (t *GRPCTransport) Deliver(ctx context.Context, envelope *grpcEnvelope) (*grpcAck, error) {
	if envelope.SourceId == "" {
		return nil, fmt.Errorf("missing or empty source id")
	}

	msg, err := DecodeMsg(envelope.Msg)
	if err != nil {
		t.Log.Error("invalid message from %s: %v", envelope.SourceId, err)
		return nil, fmt.Errorf("invalid message: %w", err)
	}

	select {
	case <-t.stopChan:
		return nil, fmt.Errorf("site stopping")
	default:
	}

	t.deliver(IncomingMsg{
		SourceId: envelope.SourceId,
		Msg:      msg,
	})

	return &grpcAck{}, nil
}
