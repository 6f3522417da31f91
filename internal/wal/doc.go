// Package wal implements the rotating write-ahead log.
//
// Files are named wal-<first version>.log and start with a 12 byte header.
// Each record is framed as
//
//	[length u32][payload][crc32 u32]
//	payload = [version u64][op u8][flags u8][body]
//
// where the CRC32 (IEEE) covers the payload. Bit 0 of flags marks a zstd
// compressed body. A torn or mismatching record at the very end of the
// newest file is treated as an interrupted write and dropped; anywhere else
// it is corruption.
package wal
