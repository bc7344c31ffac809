package objstore

import (
	"context"
	"fmt"
)

// ctor builds a Backend from the worker's --objstore-bucket flag
// (reused by hdfs as a namenode address, by azure as a container name —
// see each provider's own registration below).
type ctor func(ctx context.Context, bucket string) (Backend, error)

var ctors = map[string]ctor{}

// register is called from this file and from every build-tag-guarded
// provider file's own init, the same registry shape as
// operator.Registry and the wire kind registry: each provider claims
// its name independently of which other providers this binary was
// built with.
func register(name string, c ctor) { ctors[name] = c }

func init() {
	register("local", func(_ context.Context, bucket string) (Backend, error) {
		return NewLocal(bucket), nil
	})
}

// New builds the backend named by name ("local", "s3", "gcs", "azure",
// "hdfs"). A name without a matching registration means this binary
// was built without that provider's build tag.
func New(ctx context.Context, name, bucket string) (Backend, error) {
	c, ok := ctors[name]
	if !ok {
		return nil, fmt.Errorf("objstore: backend %q not available in this binary (built without its build tag)", name)
	}
	return c(ctx, bucket)
}
