// Package manifest persists the durable state of a collection directory:
// its configuration, the immutable segments it consists of, and the WAL
// version up to which their contents are persisted.
//
// The manifest is a JSON file replaced atomically (tmp, fsync, rename,
// directory fsync), so a crash leaves either the old or the new manifest.
// Segment directories not listed in the manifest are garbage.
package manifest
