package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/thswjdguq/deepsentinel/internal/resource"
)

// Open builds the blob store named by contentType. options is the base
// directory for "fs", the bucket for "s3" and a comma separated node list for
// "nw".
func Open(ctx context.Context, contentType, options, region string) (resource.BlobStore, error) {
	switch contentType {
	case "fs":
		if options == "" {
			return nil, fmt.Errorf("fs content store requires a base directory")
		}
		return NewFSStore(options), nil
	case "s3":
		if options == "" {
			return nil, fmt.Errorf("s3 content store requires a bucket name")
		}
		return NewS3Store(ctx, options, region)
	case "nw":
		return NewNetworkStore(strings.Split(options, ","))
	default:
		return nil, fmt.Errorf("unsupported content service type: %s", contentType)
	}
}
