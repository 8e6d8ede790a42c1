package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/codus/config"
)

// NewBackend creates the sandbox backend selected by sandbox.backend.
func NewBackend(logger *zap.Logger, cfg *config.Config) (Backend, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerRuntime(logger)
	case "podman":
		return NewPodmanRuntime(logger), nil
	case "local":
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled, set sandbox.enable_local_backend to use it")
		}
		return NewLocalRuntime(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}

// RuntimeFromBackend exposes a backend as its Runtime.
func RuntimeFromBackend(b Backend) Runtime {
	return b
}

// ProvisionerFromBackend exposes a backend as its Provisioner.
func ProvisionerFromBackend(b Backend) Provisioner {
	return b
}
