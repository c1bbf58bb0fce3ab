// Package runtime abstracts the container engine the pipeline drives. The
// production implementation shells out to the docker CLI; tests use the Fake.
package runtime

import "context"

// Runtime covers every container operation the build, publish, deploy, and
// maintenance stages need.
type Runtime interface {
	// BuildImage builds contextDir into an image tagged tag and returns the
	// image id plus the raw build log (also on failure).
	BuildImage(ctx context.Context, contextDir, tag string) (imageID, buildLog string, err error)
	// StartContainer runs one instance of image, publishing containerPort on
	// an ephemeral host port.
	StartContainer(ctx context.Context, image, name string, containerPort int, env map[string]string) (containerID string, hostPort int, err error)
	StopContainer(ctx context.Context, containerID string) error
	// PushImage pushes tag and returns the registry content digest.
	PushImage(ctx context.Context, tag string) (digest string, err error)
	RemoveImage(ctx context.Context, ref string) error
	// PruneDanglingImages removes untagged layers and returns how many were
	// deleted.
	PruneDanglingImages(ctx context.Context) (int, error)
}
