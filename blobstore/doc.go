// Package blobstore abstracts the object stores that collection snapshots
// are streamed to and restored from.
//
// # Built-in Implementations
//
//   - LocalStore: local file system, reads through mmap
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3 with multipart uploads and range reads
//   - minio.Store: MinIO and other S3-compatible stores
//
// A Catalog records the latest snapshot of a collection. MemoryCatalog is
// in-process; s3.DDBCatalog uses DynamoDB conditional writes so concurrent
// publishers cannot overwrite each other.
package blobstore
