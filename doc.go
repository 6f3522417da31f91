// Package vecseg provides an embedded, segment-based vector collection.
//
// A collection stores points, each a caller-assigned uint64 ID with a
// fixed-dimension vector and an opaque uint64 payload handle. Writes go to
// a write-ahead log first and then to an in-memory memtable, so they are
// durable and searchable when the call returns. In the background a full
// memtable is sealed, flushed to a plain immutable segment, indexed with an
// HNSW graph and eventually merged with other small segments.
//
// # Quick Start
//
//	ctx := context.Background()
//	col, err := vecseg.Open("./data", 3, vecseg.WithMetric(distance.MetricL2))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer col.Close()
//
//	_, _ = col.Upsert(ctx, 1, []float32{1, 0, 0}, 0)
//	_, _ = col.Upsert(ctx, 2, []float32{0, 1, 0}, 0)
//
//	results, _ := col.Search(ctx, []float32{1, 0, 0}, 1)
//	fmt.Println(results[0].ID, results[0].Distance) // 1 0
//
// # Filtering
//
// Searches accept a predicate over point IDs, or a roaring64 allow-list:
//
//	allow := roaring64.BitmapOf(2, 3)
//	results, _ := col.Search(ctx, query, 10, vecseg.WithRoaringFilter(allow))
//
// # Durability Model
//
// Each write is assigned the next version of a gapless sequence. With
// DurabilitySync (the default) a write returns once its WAL record is
// fsynced; UpsertBatch shares one fsync across the batch. Open replays the
// WAL past the last flushed version, dropping a torn final record.
//
// # Snapshots
//
// Snapshot writes an lz4-compressed tar of the collection that Restore
// unpacks into an empty directory. SnapshotTo and RestoreFrom stream the
// same archive to and from a blobstore.Store such as S3 or MinIO.
package vecseg
