package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "habitstack.v1.HabitStack"

// handler is one RPC of the HabitStack service.
type handler func(s *Server, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// FullMethod returns the "/service/method" path of an RPC.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// publicMethods are served without a session.
var publicMethods = map[string]bool{
	FullMethod("Register"):   true,
	FullMethod("Login"):      true,
	FullMethod("ListFields"): true,
}

func method(name string, h handler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return h(srv.(*Server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return h(srv.(*Server), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the HabitStack service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		method("Register", (*Server).HandleRegister),
		method("Login", (*Server).HandleLogin),
		method("Logout", (*Server).HandleLogout),
		method("ChangePassword", (*Server).HandleChangePassword),
		method("DeleteAccount", (*Server).HandleDeleteAccount),
		method("ListFields", (*Server).HandleListFields),
		method("GetPreferences", (*Server).HandleGetPreferences),
		method("UpdatePreferences", (*Server).HandleUpdatePreferences),
		method("ApplySmartDefaults", (*Server).HandleApplySmartDefaults),
		method("GetSummary", (*Server).HandleGetSummary),
		method("GetNewFields", (*Server).HandleGetNewFields),
		method("Export", (*Server).HandleExport),
		method("Import", (*Server).HandleImport),
		method("CreateRecord", (*Server).HandleCreateRecord),
		method("UpdateRecord", (*Server).HandleUpdateRecord),
		method("GetRecord", (*Server).HandleGetRecord),
		method("ListRecords", (*Server).HandleListRecords),
		method("DeleteRecord", (*Server).HandleDeleteRecord),
	},
}
