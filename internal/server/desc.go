package server

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "perprisk.v1.RiskService"

// route binds one RPC to its REST mapping. gRPC and the gateway share the
// handler, so both run the same interceptor chain.
type route struct {
	name    string
	verb    string
	path    string
	handler func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)
}

func rpc[Req, Resp any](name, verb, path string, call func(*RiskService, context.Context, *Req) (*Resp, error)) route {
	fullMethod := "/" + ServiceName + "/" + name
	handler := func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(*RiskService)
		if interceptor == nil {
			return call(svc, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(svc, ctx, req.(*Req))
		})
	}
	return route{name: name, verb: verb, path: path, handler: handler}
}

var routes = []route{
	rpc("GetStatus", http.MethodGet, "/v1/status", (*RiskService).GetStatus),
	rpc("VerifyIntegrity", http.MethodGet, "/v1/integrity", (*RiskService).VerifyIntegrity),
	rpc("SetLiquidationFee", http.MethodPut, "/v1/liquidation-fee", (*RiskService).SetLiquidationFee),

	rpc("ListMarkets", http.MethodGet, "/v1/markets", (*RiskService).ListMarkets),
	rpc("CreateMarket", http.MethodPost, "/v1/markets", (*RiskService).CreateMarket),
	rpc("GetMarket", http.MethodGet, "/v1/markets/{market_id}", (*RiskService).GetMarket),
	rpc("SetMarketParams", http.MethodPut, "/v1/markets/{market_id}/params", (*RiskService).SetMarketParams),
	rpc("PauseMarket", http.MethodPost, "/v1/markets/{market_id}/pause", (*RiskService).PauseMarket),
	rpc("UnpauseMarket", http.MethodPost, "/v1/markets/{market_id}/unpause", (*RiskService).UnpauseMarket),
	rpc("UpdatePrice", http.MethodPost, "/v1/markets/{market_id}/price", (*RiskService).UpdatePrice),
	rpc("ApplyFunding", http.MethodPost, "/v1/markets/{market_id}/funding", (*RiskService).ApplyFunding),
	rpc("GetFundingHistory", http.MethodGet, "/v1/markets/{market_id}/funding", (*RiskService).GetFundingHistory),

	rpc("ListPositions", http.MethodGet, "/v1/markets/{market_id}/positions", (*RiskService).ListPositions),
	rpc("OpenPosition", http.MethodPost, "/v1/markets/{market_id}/positions", (*RiskService).OpenPosition),
	rpc("GetPosition", http.MethodGet, "/v1/markets/{market_id}/positions/{trader}", (*RiskService).GetPosition),
	rpc("ClosePosition", http.MethodPost, "/v1/markets/{market_id}/close", (*RiskService).ClosePosition),
	rpc("AddMargin", http.MethodPost, "/v1/markets/{market_id}/margin/add", (*RiskService).AddMargin),
	rpc("RemoveMargin", http.MethodPost, "/v1/markets/{market_id}/margin/remove", (*RiskService).RemoveMargin),
	rpc("Liquidate", http.MethodPost, "/v1/markets/{market_id}/liquidate", (*RiskService).Liquidate),

	rpc("PlaceLimitOrder", http.MethodPost, "/v1/orders", (*RiskService).PlaceLimitOrder),
	rpc("GetOrder", http.MethodGet, "/v1/orders/{order_id}", (*RiskService).GetOrder),
	rpc("CancelOrder", http.MethodPost, "/v1/orders/{order_id}/cancel", (*RiskService).CancelOrder),
	rpc("ExecuteOrder", http.MethodPost, "/v1/orders/{order_id}/execute", (*RiskService).ExecuteOrder),
	rpc("ExpireOrder", http.MethodPost, "/v1/orders/{order_id}/expire", (*RiskService).ExpireOrder),

	rpc("Deposit", http.MethodPost, "/v1/deposits", (*RiskService).Deposit),
	rpc("Withdraw", http.MethodPost, "/v1/withdrawals", (*RiskService).Withdraw),

	rpc("GetBalance", http.MethodGet, "/v1/traders/{trader}/balance", (*RiskService).GetBalance),
	rpc("GetTraderPositions", http.MethodGet, "/v1/traders/{trader}/positions", (*RiskService).GetTraderPositions),
	rpc("ListOrders", http.MethodGet, "/v1/traders/{trader}/orders", (*RiskService).ListOrders),
	rpc("GetMargin", http.MethodGet, "/v1/traders/{trader}/margin", (*RiskService).GetMargin),
	rpc("GetLiquidationHistory", http.MethodGet, "/v1/traders/{trader}/liquidations", (*RiskService).GetLiquidationHistory),
	rpc("GetJournals", http.MethodGet, "/v1/traders/{trader}/journals", (*RiskService).GetJournals),
}

// riskServer is the handler type grpc checks registrations against.
type riskServer interface {
	GetStatus(context.Context, *Empty) (*StatusReply, error)
}

// ServiceDesc describes perprisk.v1.RiskService. Messages are JSON; see
// CodecName.
func ServiceDesc() *grpc.ServiceDesc {
	methods := make([]grpc.MethodDesc, 0, len(routes))
	for _, rt := range routes {
		methods = append(methods, grpc.MethodDesc{
			MethodName: rt.name,
			Handler:    rt.handler,
		})
	}
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*riskServer)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "perprisk/v1/risk.json",
	}
}
