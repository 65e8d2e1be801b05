package filewire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName matches the naming convention protoc-gen-go-grpc would use
// for a service named FileWire in a piwheels package.
const ServiceName = "piwheels.FileWire"

// TransferServer is the juggler-side stream handle a Server's Transfer
// method receives: one HELLO..DONE upload session for a single file.
type TransferServer interface {
	grpc.ServerStream
	Send(Message) error
	Recv() (Message, error)
}

type transferServerImpl struct{ grpc.ServerStream }

func (s *transferServerImpl) Send(msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	return s.ServerStream.SendMsg(&wrapperspb.BytesValue{Value: b})
}

func (s *transferServerImpl) Recv() (Message, error) {
	var box wrapperspb.BytesValue
	if err := s.ServerStream.RecvMsg(&box); err != nil {
		return nil, err
	}
	return Decode(box.Value)
}

// Server is implemented by the File Juggler (internal/juggler).
type Server interface {
	Transfer(TransferServer) error
}

func transferHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(Server).Transfer(&transferServerImpl{ServerStream: stream})
}

// ServiceDesc is hand-registered the same mechanical way
// protoc-gen-go-grpc would generate it for a single bidi-streaming method.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Transfer",
			Handler:       transferHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

type transferClient struct{ grpc.ClientStream }

func (c *transferClient) Send(msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	return c.ClientStream.SendMsg(&wrapperspb.BytesValue{Value: b})
}

func (c *transferClient) Recv() (Message, error) {
	var box wrapperspb.BytesValue
	if err := c.ClientStream.RecvMsg(&box); err != nil {
		return nil, err
	}
	return Decode(box.Value)
}

// TransferClient is the slave-facing handle returned by Client.Open.
type TransferClient interface {
	Send(Message) error
	Recv() (Message, error)
	CloseSend() error
}

// Client opens file upload sessions against a master.
type Client struct{ conn *grpc.ClientConn }

// NewClient wraps an established connection to the master's file port.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Open starts a new HELLO..DONE transfer session.
func (c *Client) Open(ctx context.Context) (TransferClient, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/Transfer")
	if err != nil {
		return nil, err
	}
	return &transferClient{ClientStream: stream}, nil
}
