package sandbox

import "errors"

var (
	// ErrInvalidRuntime is returned when the runtime is not host or docker
	ErrInvalidRuntime = errors.New("invalid sandbox runtime")

	// ErrInvalidCPULimit is returned when the CPU limit is invalid
	ErrInvalidCPULimit = errors.New("invalid CPU limit (must be 0-100)")

	// ErrInvalidMemoryLimit is returned when the memory limit is invalid
	ErrInvalidMemoryLimit = errors.New("invalid memory limit (must be >= 0)")

	// ErrInvalidProcessLimit is returned when the process limit is invalid
	ErrInvalidProcessLimit = errors.New("invalid process limit (must be >= 0)")

	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("invalid timeout (must be >= 0)")

	// ErrRootRequired is returned when no sandbox root is configured
	ErrRootRequired = errors.New("sandbox root is required")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrSpawnFailed is returned when the process could not be started.
	// Unlike a non-zero exit it is safe to retry.
	ErrSpawnFailed = errors.New("failed to spawn process")

	// ErrFilesystemAccessDenied is returned when the working directory is outside the root
	ErrFilesystemAccessDenied = errors.New("filesystem access denied")

	// ErrDockerImageRequired is returned when the docker runtime has no image
	ErrDockerImageRequired = errors.New("docker image is required for docker runtime")
)
