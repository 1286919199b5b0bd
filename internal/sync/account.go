package sync

import (
	"context"
	"fmt"
)

// IsConfigured reports whether an account token has been stored
func (s *Service) IsConfigured(ctx context.Context) bool {
	token, err := s.repo.GetSetting(ctx, settingToken)
	if err != nil {
		s.logger.Warn("Failed to read account token", "error", err)
		return false
	}
	return token != ""
}

// SetToken stores the account token used to authenticate with the backend
func (s *Service) SetToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	return s.repo.SetSetting(ctx, settingToken, token)
}

// Token returns the stored account token, or "" when not linked
func (s *Service) Token(ctx context.Context) (string, error) {
	return s.repo.GetSetting(ctx, settingToken)
}

// SetDeviceName stores the device name reported to the backend
func (s *Service) SetDeviceName(ctx context.Context, name string) error {
	return s.repo.SetSetting(ctx, settingDevice, name)
}

// DeviceName returns the stored device name, or "" when unset
func (s *Service) DeviceName(ctx context.Context) (string, error) {
	return s.repo.GetSetting(ctx, settingDevice)
}

// Unlink removes the stored account token and device name
func (s *Service) Unlink(ctx context.Context) error {
	if err := s.repo.SetSetting(ctx, settingToken, ""); err != nil {
		return err
	}
	return s.repo.SetSetting(ctx, settingDevice, "")
}
