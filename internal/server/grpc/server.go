// Package grpcserver exposes the habitstack gRPC API. Requests and
// responses are google.protobuf.Struct messages described by a hand-written
// service descriptor.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/habitstack/internal/convert"
	"github.com/and161185/habitstack/internal/errs"
	"github.com/and161185/habitstack/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server wires services into gRPC handlers.
type Server struct {
	auth     service.AuthService
	records  service.RecordService
	settings service.SettingsService
}

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, records service.RecordService, settings service.SettingsService) *Server {
	return &Server{auth: auth, records: records, settings: settings}
}

// Register attaches the HabitStack service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&ServiceDesc, s)
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(op string, err error) error {
	var invalid *errs.InvalidInputError
	switch {
	case errors.As(err, &invalid):
		return status.Error(codes.InvalidArgument, invalid.Error())
	case errors.Is(err, errs.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "bad credentials")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrAlreadyExists):
		return status.Error(codes.AlreadyExists, "already exists")
	case errors.Is(err, errs.ErrNoActiveKey):
		return status.Error(codes.FailedPrecondition, "no encryption key in session")
	case errors.Is(err, errs.ErrKeyMismatch):
		return status.Error(codes.FailedPrecondition, "stored data does not open with the current password")
	case errors.Is(err, errs.ErrMigrationInProgress):
		return status.Error(codes.Aborted, "migration in progress")
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func bad(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

// --- Auth ---

func (s *Server) HandleRegister(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	username, password := convert.GetString(req, "username"), convert.GetString(req, "password")
	if username == "" || password == "" {
		return nil, bad("empty username/password")
	}
	id, err := s.auth.Register(ctx, username, password)
	if err != nil {
		return nil, toStatus("register", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"user_id": structpb.NewStringValue(id.String()),
	}}, nil
}

func (s *Server) HandleLogin(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.auth.Login(ctx, convert.GetString(req, "username"), convert.GetString(req, "password"), remoteIP(ctx))
	if err != nil {
		return nil, toStatus("login", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"access_token": structpb.NewStringValue(res.Token),
		"user_id":      structpb.NewStringValue(res.User.ID.String()),
		"session_id":   structpb.NewStringValue(res.Session.ID.String()),
		"expires_at":   structpb.NewStringValue(res.Session.ExpiresAt.UTC().Format(time.RFC3339)),
		"has_key":      structpb.NewBoolValue(res.Session.HasKey()),
	}}, nil
}

func (s *Server) HandleLogout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.auth.Logout(ctx); err != nil {
		return nil, toStatus("logout", err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) HandleChangePassword(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.auth.ChangePassword(ctx, convert.GetString(req, "old_password"), convert.GetString(req, "new_password"), remoteIP(ctx))
	if err != nil {
		return nil, toStatus("change password", err)
	}
	return convert.FromPasswordChange(res), nil
}

func (s *Server) HandleDeleteAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.auth.DeleteAccount(ctx, convert.GetString(req, "password"), remoteIP(ctx)); err != nil {
		return nil, toStatus("delete account", err)
	}
	return &structpb.Struct{}, nil
}

// --- Settings ---

func (s *Server) HandleListFields(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"modules": convert.FromModuleViews(s.settings.Fields()),
	}}, nil
}

func (s *Server) HandleGetPreferences(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	prefs, err := s.settings.Preferences(ctx)
	if err != nil {
		return nil, toStatus("get preferences", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"preferences": structpb.NewStructValue(convert.FromPreferences(prefs)),
	}}, nil
}

func (s *Server) HandleUpdatePreferences(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	prefs, err := convert.ToPreferences(convert.GetStruct(req, "preferences"))
	if err != nil {
		return nil, bad("bad preferences: %v", err)
	}
	res, err := s.settings.Update(ctx, prefs, convert.GetBool(req, "migrate"))
	if err != nil {
		return nil, toStatus("update preferences", err)
	}
	return convert.FromUpdate(res), nil
}

func (s *Server) HandleApplySmartDefaults(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.settings.ApplySmartDefaults(ctx)
	if err != nil {
		return nil, toStatus("apply smart defaults", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"applied": structpb.NewNumberValue(float64(n)),
	}}, nil
}

func (s *Server) HandleGetSummary(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sum, err := s.settings.Summary(ctx)
	if err != nil {
		return nil, toStatus("get summary", err)
	}
	return convert.FromSummary(sum), nil
}

func (s *Server) HandleGetNewFields(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	fs, err := s.settings.NewFields(ctx)
	if err != nil {
		return nil, toStatus("get new fields", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"fields": convert.FromFields(fs)}}, nil
}

func (s *Server) HandleExport(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	exp, err := s.settings.Export(ctx)
	if err != nil {
		return nil, toStatus("export", err)
	}
	return convert.FromExport(exp), nil
}

// HandleImport expects {"data": <export document>, "replace": bool}.
func (s *Server) HandleImport(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	doc, err := convert.ToExport(convert.GetStruct(req, "data"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.settings.Import(ctx, doc, convert.GetBool(req, "replace"))
	if err != nil {
		return nil, toStatus("import", err)
	}
	return convert.FromImport(res), nil
}

// --- Records ---

func (s *Server) HandleCreateRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields, err := convert.ToValues(convert.GetStruct(req, "fields"))
	if err != nil {
		return nil, bad("bad fields: %v", err)
	}
	id, err := s.records.Create(ctx, convert.GetString(req, "module"), fields)
	if err != nil {
		return nil, toStatus("create record", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"id": structpb.NewNumberValue(float64(id))}}, nil
}

func (s *Server) HandleUpdateRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := convert.GetInt64(req, "id")
	if err != nil {
		return nil, bad("bad id: %v", err)
	}
	fields, err := convert.ToValues(convert.GetStruct(req, "fields"))
	if err != nil {
		return nil, bad("bad fields: %v", err)
	}
	if err := s.records.Update(ctx, convert.GetString(req, "module"), id, fields); err != nil {
		return nil, toStatus("update record", err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) HandleGetRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := convert.GetInt64(req, "id")
	if err != nil {
		return nil, bad("bad id: %v", err)
	}
	rec, err := s.records.Get(ctx, convert.GetString(req, "module"), id)
	if err != nil {
		return nil, toStatus("get record", err)
	}
	return convert.FromRecord(rec).GetStructValue(), nil
}

func (s *Server) HandleListRecords(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	recs, err := s.records.List(ctx, convert.GetString(req, "module"))
	if err != nil {
		return nil, toStatus("list records", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"records": convert.FromRecords(recs)}}, nil
}

func (s *Server) HandleDeleteRecord(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := convert.GetInt64(req, "id")
	if err != nil {
		return nil, bad("bad id: %v", err)
	}
	if err := s.records.Delete(ctx, convert.GetString(req, "module"), id); err != nil {
		return nil, toStatus("delete record", err)
	}
	return &structpb.Struct{}, nil
}
