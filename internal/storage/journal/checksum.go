package journal

import (
	"encoding/json"
	"hash/crc32"
)

// Checksum computes the CRC32 (IEEE) of the event's JSON form with the
// checksum field zeroed.
func Checksum(event Event) uint32 {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// verify checks a decoded event against its stored checksum.
func verify(event Event) error {
	if expected := Checksum(event); expected != event.Checksum {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
