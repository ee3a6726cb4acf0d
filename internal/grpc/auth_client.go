package grpc

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/observability"
	"campus-realtime/internal/repositories"
	"campus-realtime/internal/security"
)

const validateTokenMethod = "/campus.auth.v1.AuthService/ValidateToken"

// Dial opens an instrumented connection to the auth service.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
}

// AuthClient verifies tokens against the remote auth service and provisions
// the returned profile into the identity directory.
type AuthClient struct {
	conn       grpc.ClientConnInterface
	identities repositories.IdentityRepository
	timeout    time.Duration
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface, identities repositories.IdentityRepository, timeout time.Duration) *AuthClient {
	return &AuthClient{conn: conn, identities: identities, timeout: timeout}
}

// Authenticate validates the token remotely and returns the directory identity.
func (a *AuthClient) Authenticate(ctx context.Context, token string) (models.Identity, error) {
	profile, err := a.ValidateToken(ctx, token)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Msg("remote token validation failed")
		return models.Identity{}, apperr.Unauthorized("authenticate", "invalid token")
	}
	return security.Provision(ctx, a.identities, profile)
}

// ValidateToken calls AuthService.ValidateToken and maps the response.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (models.Identity, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req := dynamicpb.NewMessage(validateTokenRequest)
	req.Set(validateTokenRequest.Fields().ByName("token"), protoreflect.ValueOfString(token))
	resp := dynamicpb.NewMessage(validateTokenResponse)

	if err := a.conn.Invoke(ctx, validateTokenMethod, req, resp); err != nil {
		return models.Identity{}, err
	}

	fields := validateTokenResponse.Fields()
	str := func(name protoreflect.Name) string { return resp.Get(fields.ByName(name)).String() }
	if !resp.Get(fields.ByName("valid")).Bool() || str("user_id") == "" {
		return models.Identity{}, errors.New("invalid token")
	}

	identity := models.Identity{
		ID:          str("user_id"),
		Handle:      str("handle"),
		DisplayName: str("display_name"),
		Email:       str("email"),
		Role:        models.Role(str("role")),
		Faculty:     str("faculty"),
		Department:  str("department"),
		YearOfStudy: int(resp.Get(fields.ByName("year_of_study")).Int()),
	}
	if !identity.Role.Valid() {
		return models.Identity{}, errors.New("unknown role " + string(identity.Role))
	}
	return identity, nil
}
