package pbap

import "unicode/utf16"

func decodeUTF16(units []uint16) string {
	return string(utf16.Decode(units))
}
