package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"campus-realtime/internal/models"
)

type AuthenticatorMock struct {
	mock.Mock
}

func (m *AuthenticatorMock) Authenticate(ctx context.Context, token string) (models.Identity, error) {
	args := m.Called(ctx, token)
	var identity models.Identity
	if val := args.Get(0); val != nil {
		identity = val.(models.Identity)
	}
	return identity, args.Error(1)
}

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) Dispatch(ctx context.Context, req models.NotificationRequest) (models.Notification, error) {
	args := m.Called(ctx, req)
	var n models.Notification
	if val := args.Get(0); val != nil {
		n = val.(models.Notification)
	}
	return n, args.Error(1)
}
