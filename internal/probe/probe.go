/*
Package probe provides content-based file-type classification (C1 in the
design: the file-metadata probe). It classifies by sniffing leading bytes,
never by extension — that is what keeps it honest as the last-resort
dispatch rule for files no leaf signer claims.
*/
package probe

import (
	"encoding/binary"
	"os"
)

// dosSignature is the "MZ" magic at the start of every PE image (and every
// DOS stub before it).
var dosSignature = [2]byte{'M', 'Z'}

// peSignature is "PE\0\0".
var peSignature = [4]byte{'P', 'E', 0, 0}

// peHeaderPointerOffset is where the DOS stub stores the file offset of the
// PE signature.
const peHeaderPointerOffset = 0x3C

// IsPortableExecutable reports whether file looks like a Windows PE image:
// a DOS "MZ" stub whose e_lfanew field (at offset 0x3C) points to a valid
// "PE\0\0" signature. Files that cannot be opened or are too short are
// treated as not-PE; this is a non-fatal classification helper, not a
// validator, so I/O errors never propagate.
func IsPortableExecutable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var dos [2]byte
	if _, err := f.Read(dos[:]); err != nil || dos != dosSignature {
		return false
	}

	if _, err := f.Seek(peHeaderPointerOffset, 0); err != nil {
		return false
	}
	var offBuf [4]byte
	if _, err := f.Read(offBuf[:]); err != nil {
		return false
	}
	peOffset := int64(binary.LittleEndian.Uint32(offBuf[:]))
	if peOffset <= 0 {
		return false
	}

	if _, err := f.Seek(peOffset, 0); err != nil {
		return false
	}
	var sig [4]byte
	if _, err := f.Read(sig[:]); err != nil {
		return false
	}
	return sig == peSignature
}
