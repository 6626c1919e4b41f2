package resource

import (
	"context"
	"fmt"
)

// Open builds the repository named by metadataType. options is the database
// path for "sqlite", the connection string for "postgres" and the table prefix
// for "dynamodb"; "memory" ignores it.
func Open(ctx context.Context, metadataType, options, region string) (Repository, error) {
	switch metadataType {
	case "memory":
		return NewMemoryRepository(), nil
	case "sqlite":
		return NewSQLiteRepository(ctx, options)
	case "postgres":
		return NewPostgresRepository(ctx, options)
	case "dynamodb":
		return NewDynamoDBRepository(ctx, options, region)
	default:
		return nil, fmt.Errorf("unsupported metadata service type: %s", metadataType)
	}
}
