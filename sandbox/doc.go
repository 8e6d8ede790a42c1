// Package sandbox drives isolated instances of a container runtime.
//
// Runtime is the narrow capability set the orchestrator needs: create an
// instance, copy a tar bundle in, start it, wait for it, copy a path out,
// kill it and remove it. DockerRuntime talks to the Docker Engine API,
// PodmanRuntime shells out to the podman CLI and LocalRuntime runs the
// command on the host for development. Each backend also implements
// Provisioner so the image it runs can be checked and built on demand.
//
// Handle wraps one instance in a lifecycle state machine
// (created, input_loaded, running, exited, errored, destroyed) and rejects
// out-of-order calls with ErrInvalidState.
//
// Usage:
//
//	h, err := sandbox.NewHandle(ctx, rt, sandbox.InstanceSpec{Image: "codus-execute-java"})
//	if err != nil {
//	    return err
//	}
//	defer h.Destroy(context.Background())
//	_ = h.LoadInput(ctx, bytes.NewReader(data), "/app")
//	_ = h.Start(ctx)
//	code, err := h.AwaitCompletion(ctx, 10*time.Second)
package sandbox
