// Package grpcapi exposes the gRPC health service and the interceptors that
// authenticate and authorize every other gRPC method against auth.Service.
package grpcapi

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"gatekeeper.dev/internal/auth"
)

const healthPrefix = "/grpc.health.v1.Health/"

// Rule lists the permissions a method requires. Methods without a rule only
// need a valid access token.
type Rule struct {
	Mode        auth.Mode
	Permissions []string
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Server owns the health service and the per-method authorization table.
type Server struct {
	svc    *auth.Service
	health *health.Server
	rules  map[string]Rule
	ready  readinessChecker
	log    zerolog.Logger
}

func New(svc *auth.Service, ready readinessChecker, log zerolog.Logger) *Server {
	return &Server{
		svc:    svc,
		health: health.NewServer(),
		rules:  make(map[string]Rule),
		ready:  ready,
		log:    log,
	}
}

// Protect registers a permission rule for a full method name such as
// "/pkg.Service/Method".
func (s *Server) Protect(fullMethod string, mode auth.Mode, permissions ...string) {
	s.rules[fullMethod] = Rule{Mode: mode, Permissions: permissions}
}

// NewGRPCServer builds a grpc.Server with the auth interceptors installed and
// the health service registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(s.StreamInterceptor()),
	)
	gs := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(gs, s.health)
	return gs
}

// CheckReadiness runs the readiness probe and publishes the result on the
// health service for the overall server.
func (s *Server) CheckReadiness(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		if err := s.ready.Check(ctx); err != nil {
			s.log.Warn().Err(err).Msg("grpc readiness check failed")
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	return st == healthpb.HealthCheckResponse_SERVING
}

// WatchReadiness re-checks readiness every interval until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	s.CheckReadiness(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.CheckReadiness(ctx)
		}
	}
}

func (s *Server) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := s.authorize(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func (s *Server) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := s.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &principalStream{ServerStream: ss, ctx: ctx})
	}
}

func (s *Server) authorize(ctx context.Context, method string) (context.Context, error) {
	if strings.HasPrefix(method, healthPrefix) {
		return ctx, nil
	}
	token, ok := bearerFromMetadata(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	principal, err := s.svc.Authenticate(ctx, token)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, "invalid token")
	}
	if rule, ok := s.rules[method]; ok {
		if s.svc.Authorize(ctx, principal, rule.Mode, rule.Permissions...) != auth.Allow {
			s.log.Warn().
				Str("method", method).
				Str("user_id", principal.UserID).
				Strs("permissions", rule.Permissions).
				Msg("grpc permission denied")
			return ctx, status.Error(codes.PermissionDenied, "forbidden")
		}
	}
	return auth.ContextWithPrincipal(ctx, principal), nil
}

func bearerFromMetadata(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
			if tok := strings.TrimSpace(v[7:]); tok != "" {
				return tok, true
			}
		}
	}
	return "", false
}

type principalStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (p *principalStream) Context() context.Context { return p.ctx }
