package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// NewGateway returns the REST mapping of the risk service. Requests are
// served in-process through the same handlers and interceptor as gRPC.
// Identity headers become incoming metadata.
func NewGateway(svc *RiskService, interceptor grpc.UnaryServerInterceptor) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	for _, rt := range routes {
		if err := mux.HandlePath(rt.verb, rt.path, gatewayHandler(svc, rt, interceptor)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.verb, rt.path, err)
		}
	}
	return mux, nil
}

func gatewayHandler(svc *RiskService, rt route, interceptor grpc.UnaryServerInterceptor) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := metadata.NewIncomingContext(r.Context(), headerMetadata(r))
		dec := func(v any) error {
			return decodeRequest(r, pathParams, v)
		}

		resp, err := rt.handler(svc, ctx, dec, interceptor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func headerMetadata(r *http.Request) metadata.MD {
	md := metadata.MD{}
	for _, h := range []string{HeaderTrader, HeaderKeeper, HeaderOracle, HeaderAdmin} {
		if v := r.Header.Get(h); v != "" {
			md.Set(h, v)
		}
	}
	return md
}

// decodeRequest merges the JSON body, query string and path parameters into
// v. Path parameters win over the query, which wins over the body.
func decodeRequest(r *http.Request, pathParams map[string]string, v any) error {
	fields := map[string]json.RawMessage{}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return status.Errorf(codes.InvalidArgument, "decode body: %v", err)
		}
	}

	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			fields[key] = paramValue(vals[0])
		}
	}
	for key, val := range pathParams {
		fields[key] = paramValue(val)
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return status.Errorf(codes.Internal, "encode request: %v", err)
	}
	if err := json.Unmarshal(merged, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

// paramValue types a URL parameter: unsigned integers stay numbers,
// everything else is a string.
func paramValue(raw string) json.RawMessage {
	if _, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st, ok := status.FromError(err)
	if !ok {
		st = status.New(codeOf(err), err.Error())
	}
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    st.Code().String(),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
