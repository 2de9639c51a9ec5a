package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/stream"
)

// EventsServiceName is the gRPC service that mirrors the SSE route
// /api/sessions/{id}/events. Subscribe takes the session ID as a
// google.protobuf.StringValue and streams google.protobuf.Struct messages
// of the form {"event": name, "data": "<SessionState JSON>"}. Only
// well-known types cross the wire, so clients need no generated code.
const EventsServiceName = "livecaptions.locator.v1.Events"

const subscribeMethod = "/" + EventsServiceName + "/Subscribe"

// EventsServer is the server side of the Events service.
type EventsServer interface {
	SubscribeEvents(req *wrapperspb.StringValue, out grpc.ServerStream) error
}

var _ EventsServer = (*Server)(nil)

var eventsServiceDesc = grpc.ServiceDesc{
	ServiceName: EventsServiceName,
	HandlerType: (*EventsServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "locator/events.proto",
}

func subscribeHandler(srv any, ss grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := ss.RecvMsg(req); err != nil {
		return err
	}
	return srv.(EventsServer).SubscribeEvents(req, ss)
}

// RegisterGRPC registers the Events service on gs. It shares the event hub
// with the SSE route, so Close ends both kinds of stream.
func (s *Server) RegisterGRPC(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&eventsServiceDesc, s)
}

// SubscribeEvents streams one session's events: "state" first, then
// "update" after every answered request and a final "end".
func (s *Server) SubscribeEvents(req *wrapperspb.StringValue, out grpc.ServerStream) error {
	sess, err := s.manager.Get(req.GetValue())
	if err != nil {
		if errors.Is(err, fusion.ErrSessionNotFound) {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}

	id, events := s.events.Subscribe(sess.ID())
	defer s.events.Unsubscribe(id)
	logf("[gRPC] session %s: subscriber %s connected", sess.ID(), id)

	data, err := json.Marshal(sessionState(sess))
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := out.SendMsg(eventMessage(stream.Event{Name: "state", Data: data})); err != nil {
		return err
	}

	ctx := out.Context()
	for {
		select {
		case <-ctx.Done():
			logf("[gRPC] session %s: subscriber %s cancelled", sess.ID(), id)
			return status.FromContextError(ctx.Err()).Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := out.SendMsg(eventMessage(ev)); err != nil {
				logf("[gRPC] session %s: send error: %v", sess.ID(), err)
				return err
			}
		}
	}
}

// Data stays a JSON string so int64 fields survive; a structpb number is a
// double.
func eventMessage(ev stream.Event) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"event": structpb.NewStringValue(ev.Name),
		"data":  structpb.NewStringValue(string(ev.Data)),
	}}
}

// EventStream receives session events from the Events service.
type EventStream struct {
	cs grpc.ClientStream
}

// SubscribeEvents opens the Events stream for sessionID on cc. Cancel ctx to
// close it. An unknown session surfaces as fusion.ErrSessionNotFound from
// the first Recv.
func SubscribeEvents(ctx context.Context, cc grpc.ClientConnInterface, sessionID string) (*EventStream, error) {
	cs, err := cc.NewStream(ctx, &eventsServiceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if err := cs.SendMsg(wrapperspb.String(sessionID)); err != nil {
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, fmt.Errorf("close subscribe request: %w", err)
	}
	return &EventStream{cs: cs}, nil
}

// Recv blocks for the next event and decodes its session state. It returns
// io.EOF after the "end" event once the server closes the stream.
func (es *EventStream) Recv() (string, SessionState, error) {
	msg := new(structpb.Struct)
	if err := es.cs.RecvMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			return "", SessionState{}, io.EOF
		}
		if status.Code(err) == codes.NotFound {
			return "", SessionState{}, fmt.Errorf("%w: %w", fusion.ErrSessionNotFound, err)
		}
		return "", SessionState{}, err
	}

	fields := msg.GetFields()
	name := fields["event"].GetStringValue()
	var state SessionState
	if err := json.Unmarshal([]byte(fields["data"].GetStringValue()), &state); err != nil {
		return name, SessionState{}, fmt.Errorf("decode %s event: %w", name, err)
	}
	return name, state, nil
}
