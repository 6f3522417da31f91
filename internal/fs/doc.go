// Package fs abstracts the file system operations used by the WAL and the
// segment writers so that tests can inject IO failures.
package fs
