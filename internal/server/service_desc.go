package server

import (
	"context"

	"google.golang.org/grpc"

	"github.com/yuanfeiz/protocol/internal/ingestion"
	"github.com/yuanfeiz/protocol/internal/query"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ringsettle.v1.Exchange"

// ExchangeServer is the server API for ringsettle.v1.Exchange.
type ExchangeServer interface {
	SubmitRing(context.Context, *ingestion.SubmitRingJSON) (*RingResult, error)
	CancelOrder(context.Context, *ingestion.CancelOrderJSON) (*Ack, error)
	SetCutoff(context.Context, *ingestion.SetCutoffJSON) (*Ack, error)
	SubmitRinghash(context.Context, *SubmitRinghashRequest) (*Ack, error)
	BatchSubmitRinghash(context.Context, *BatchSubmitRinghashRequest) (*Ack, error)
	GetFilled(context.Context, *GetFilledRequest) (*GetFilledResponse, error)
	GetCutoff(context.Context, *GetCutoffRequest) (*GetCutoffResponse, error)
	GetRingIndex(context.Context, *GetRingIndexRequest) (*GetRingIndexResponse, error)
	ListNotifications(context.Context, *ListNotificationsRequest) (*NotificationsResponse, error)
	GetRing(context.Context, *GetRingRequest) (*NotificationsResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
}

// FullMethod returns the gRPC method path of name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed ExchangeServer method to a grpc.MethodDesc.
func unary[Req, Resp any](name string, call func(ExchangeServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ExchangeServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ExchangeServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ExchangeServiceDesc is the grpc.ServiceDesc for ringsettle.v1.Exchange.
var ExchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitRing", ExchangeServer.SubmitRing),
		unary("CancelOrder", ExchangeServer.CancelOrder),
		unary("SetCutoff", ExchangeServer.SetCutoff),
		unary("SubmitRinghash", ExchangeServer.SubmitRinghash),
		unary("BatchSubmitRinghash", ExchangeServer.BatchSubmitRinghash),
		unary("GetFilled", ExchangeServer.GetFilled),
		unary("GetCutoff", ExchangeServer.GetCutoff),
		unary("GetRingIndex", ExchangeServer.GetRingIndex),
		unary("ListNotifications", ExchangeServer.ListNotifications),
		unary("GetRing", ExchangeServer.GetRing),
		unary("ListJournals", ExchangeServer.ListJournals),
		unary("VerifyIntegrity", ExchangeServer.VerifyIntegrity),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterExchangeServer registers srv on s.
func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&ExchangeServiceDesc, srv)
}
