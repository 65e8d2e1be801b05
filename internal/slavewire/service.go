package slavewire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName matches the naming convention protoc-gen-go-grpc would use
// for a service named SlaveWire in a piwheels package.
const ServiceName = "piwheels.SlaveWire"

// Session is the bidi-streaming RPC: the slave and master exchange Messages
// in lock step, one HELLO...BYE session per gRPC stream, exactly
// spec.md section 6's "slave MUST begin with HELLO and end with BYE".
// SessionServer is the master-side stream handle a Server's Session method
// receives: one HELLO..BYE slave session.
type SessionServer interface {
	grpc.ServerStream
	Send(Message) error
	Recv() (Message, error)
}

type sessionServerImpl struct{ grpc.ServerStream }

func (s *sessionServerImpl) Send(msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	return s.ServerStream.SendMsg(&wrapperspb.BytesValue{Value: b})
}

func (s *sessionServerImpl) Recv() (Message, error) {
	var box wrapperspb.BytesValue
	if err := s.ServerStream.RecvMsg(&box); err != nil {
		return nil, err
	}
	return Decode(box.Value)
}

// Server is implemented by the Slave Driver (internal/slavedriver).
type Server interface {
	Session(SessionServer) error
}

func sessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Server).Session(&sessionServerImpl{ServerStream: stream})
}

// ServiceDesc is hand-registered the same mechanical way
// protoc-gen-go-grpc would generate it for a single bidi-streaming method.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// sessionClient is the slave-side stream handle.
type sessionClient struct{ grpc.ClientStream }

func (c *sessionClient) Send(msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	return c.ClientStream.SendMsg(&wrapperspb.BytesValue{Value: b})
}

func (c *sessionClient) Recv() (Message, error) {
	var box wrapperspb.BytesValue
	if err := c.ClientStream.RecvMsg(&box); err != nil {
		return nil, err
	}
	return Decode(box.Value)
}

// SessionClient is the slave-facing handle (internal/slavewire.Client.Open
// returns one per connection).
type SessionClient interface {
	Send(Message) error
	Recv() (Message, error)
	CloseSend() error
}

// Client opens slave wire sessions against a master.
type Client struct{ conn *grpc.ClientConn }

// NewClient wraps an established connection to the master's slave port.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Open starts a new HELLO..BYE session.
func (c *Client) Open(ctx context.Context) (SessionClient, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/Session")
	if err != nil {
		return nil, err
	}
	return &sessionClient{ClientStream: stream}, nil
}
