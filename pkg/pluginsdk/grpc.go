// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginsdk

import (
	"context"
	"errors"
	"io"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "framehost.plugin.v1.Frame"
	connectPath = "/" + serviceName + "/Connect"
)

// frameServer is the server side of the Frame service.
type frameServer interface {
	Connect(stream grpc.ServerStream) error
}

// frameServiceDesc declares the Frame service by hand. Every frame on the
// Connect stream is a google.protobuf.StringValue holding one serialized
// message.
var frameServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*frameServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "framehost/plugin/v1/frame.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(frameServer).Connect(stream)
}

// Stream is one bidirectional message stream between host and plugin.
type Stream interface {
	Send(data string) error
	Recv() (string, error)
	CloseSend() error
}

// FrameClient opens message streams to a plugin. It is what the host gets
// back from dispensing PluginName.
type FrameClient interface {
	Connect(ctx context.Context) (Stream, error)
}

// GRPCPlugin implements go-plugin's Plugin interface for gRPC.
type GRPCPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin

	// Name and Handler are used by the plugin side only.
	Name    string
	Handler Handler
}

// GRPCServer registers the Frame service (called by plugin process).
func (p *GRPCPlugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.Handler == nil {
		return errors.New("pluginsdk: handler is nil")
	}
	s.RegisterService(&frameServiceDesc, &connectServer{name: p.Name, handler: p.Handler})
	return nil
}

// GRPCClient returns a FrameClient (called by host process).
func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (any, error) {
	return NewFrameClient(c), nil
}

// NewFrameClient returns a FrameClient speaking over conn.
func NewFrameClient(conn grpc.ClientConnInterface) FrameClient {
	return &grpcFrameClient{conn: conn}
}

type grpcFrameClient struct {
	conn grpc.ClientConnInterface
}

func (c *grpcFrameClient) Connect(ctx context.Context) (Stream, error) {
	cs, err := c.conn.NewStream(ctx, &frameServiceDesc.Streams[0], connectPath)
	if err != nil {
		return nil, err //nolint:wrapcheck // grpc status errors are passed through
	}
	return &clientStream{cs: cs}, nil
}

type clientStream struct {
	cs grpc.ClientStream
}

func (s *clientStream) Send(data string) error {
	return s.cs.SendMsg(wrapperspb.String(data)) //nolint:wrapcheck // grpc status errors are passed through
}

func (s *clientStream) Recv() (string, error) {
	var frame wrapperspb.StringValue
	if err := s.cs.RecvMsg(&frame); err != nil {
		return "", err //nolint:wrapcheck // io.EOF must reach the caller unwrapped
	}
	return frame.GetValue(), nil
}

func (s *clientStream) CloseSend() error {
	return s.cs.CloseSend() //nolint:wrapcheck // grpc status errors are passed through
}

// connectServer runs a Conn for each stream the host opens.
type connectServer struct {
	name    string
	handler Handler
}

func (s *connectServer) Connect(stream grpc.ServerStream) error {
	conn := newConn(s.name, s.handler, &serverStream{ss: stream})
	err := conn.serve(stream.Context())
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type serverStream struct {
	ss grpc.ServerStream
}

func (s *serverStream) Send(data string) error {
	return s.ss.SendMsg(wrapperspb.String(data)) //nolint:wrapcheck // grpc status errors are passed through
}

func (s *serverStream) Recv() (string, error) {
	var frame wrapperspb.StringValue
	if err := s.ss.RecvMsg(&frame); err != nil {
		return "", err //nolint:wrapcheck // io.EOF must reach the caller unwrapped
	}
	return frame.GetValue(), nil
}

func (s *serverStream) CloseSend() error { return nil }
