//go:build !windows

package certstore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// unavailableStore is the platform adapter on hosts without an OS-managed
// certificate store. The feature reports itself disabled rather than erroring
// at startup; callers must check Available before attempting operations.
type unavailableStore struct{}

// NewPlatformStore returns the OS certificate store adapter for this host.
func NewPlatformStore(_ time.Duration, logger *zap.Logger) Store {
	logger.Info("OS certificate store not supported on this platform; certificate signing disabled")
	return unavailableStore{}
}

func (unavailableStore) Available() bool { return false }

func (unavailableStore) List(context.Context) ([]Record, error) {
	return nil, ErrStoreUnavailable
}

func (unavailableStore) ExportAndUse(context.Context, string, Operation) error {
	return ErrStoreUnavailable
}
