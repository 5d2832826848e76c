package fanouttesting

import (
	"context"
	"errors"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
)

// ErrNoContainerRuntime means no Docker host could be reached.
var ErrNoContainerRuntime = errors.New("container runtime unavailable")

// CheckContainerRuntime reports whether a Docker host is reachable.
// testcontainers panics when it cannot resolve one; that panic is returned as
// an error here so TestMain can skip instead of crash.
func CheckContainerRuntime(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrNoContainerRuntime, r)
		}
	}()
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoContainerRuntime, err)
	}
	// Health closes the provider.
	if err := provider.Health(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNoContainerRuntime, err)
	}
	return nil
}
