package httpstream

import (
	"encoding/binary"

	"github.com/burpheart/httpsift/pkg/normalize"
)

const (
	tlsRecordTypeHandshake  = 22 // 0x16
	tlsHandshakeClientHello = 1

	tlsVersionSSL30 = 0x0300
	tlsVersion10    = 0x0301
	tlsVersion13    = 0x0304
)

// IsTLSClientHello checks if the data starts with a TLS ClientHello.
func IsTLSClientHello(data []byte) bool {
	if len(data) < 6 || data[0] != tlsRecordTypeHandshake {
		return false
	}
	version := binary.BigEndian.Uint16(data[1:3])
	if version != tlsVersionSSL30 && (version < tlsVersion10 || version > tlsVersion13) {
		return false
	}
	return data[5] == tlsHandshakeClientHello
}

// DetectTLS reports whether a client stream opens with a TLS handshake
// and returns the server name it carries, when the first bytes hold it.
func DetectTLS(data []byte) (bool, string) {
	if !IsTLSClientHello(data) {
		return false, ""
	}
	total := 5 + int(binary.BigEndian.Uint16(data[3:5]))
	if total > len(data) {
		total = len(data)
	}
	return true, extractSNI(data[:total])
}

// extractSNI extracts the Server Name Indication from a TLS ClientHello.
func extractSNI(data []byte) string {
	if len(data) < 43 {
		return ""
	}

	pos := 5  // record header
	pos += 4  // handshake header
	pos += 2  // client version
	pos += 32 // random

	// session id, cipher suites, compression methods
	for _, width := range []int{1, 2, 1} {
		if pos+width > len(data) {
			return ""
		}
		n := int(data[pos])
		if width == 2 {
			n = int(binary.BigEndian.Uint16(data[pos:]))
		}
		pos += width + n
	}

	if pos+2 > len(data) {
		return ""
	}
	end := pos + 2 + int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2
	if end > len(data) {
		end = len(data)
	}

	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(data[pos:])
		extLen := int(binary.BigEndian.Uint16(data[pos+2:]))
		pos += 4
		if pos+extLen > end {
			break
		}
		if extType == 0 && extLen > 0 {
			if sni := parseSNIExtension(data[pos : pos+extLen]); sni != "" {
				return sni
			}
		}
		pos += extLen
	}
	return ""
}

// parseSNIExtension parses the server_name extension body.
func parseSNIExtension(data []byte) string {
	if len(data) < 5 {
		return ""
	}
	end := 2 + int(binary.BigEndian.Uint16(data))
	if end > len(data) {
		end = len(data)
	}

	for pos := 2; pos+3 <= end; {
		nameType := data[pos]
		nameLen := int(binary.BigEndian.Uint16(data[pos+1:]))
		pos += 3
		if nameLen == 0 || pos+nameLen > end {
			break
		}
		if name := data[pos : pos+nameLen]; nameType == 0 && normalize.ValidateHostname(name) {
			return string(name)
		}
		pos += nameLen
	}
	return ""
}
