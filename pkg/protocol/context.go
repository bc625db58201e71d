package protocol

import (
	"crypto/md5"
	"encoding/hex"
)

// DirectoryContext hashes an action's directory token into the opaque URL
// path segment used when shipping that directory's contents. Both sides of
// the transfer derive it independently, so the sink can reject uploads for
// a directory it is not currently collecting.
func DirectoryContext(directory string) string {
	sum := md5.Sum([]byte(directory))
	return hex.EncodeToString(sum[:])
}
