// Package s3 provides an Amazon S3 implementation of blobstore.Store and a
// DynamoDB-backed blobstore.Catalog.
//
// # Usage
//
//	store, err := s3.NewFromConfig(ctx, "my-bucket", "snapshots/")
//	if err != nil {
//	    return err
//	}
//	err = col.SnapshotTo(ctx, store, "nightly.tar.lz4")
//
// # Features
//
//   - Multipart streaming uploads through the SDK upload manager
//   - Range reads
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
