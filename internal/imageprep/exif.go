package imageprep

import "encoding/binary"

// orientation extracts the EXIF orientation tag (0x0112) from a JPEG,
// returning 1 (normal) when the tag is absent or the metadata is malformed.
// Only IFD0 of the first APP1 segment is inspected.
func orientation(raw []byte) int {
	if len(raw) < 4 || raw[0] != 0xFF || raw[1] != 0xD8 {
		return 1
	}

	// Walk JPEG segments looking for APP1/Exif.
	i := 2
	for i+4 <= len(raw) {
		if raw[i] != 0xFF {
			return 1
		}
		marker := raw[i+1]
		if marker == 0xDA { // start of scan, no metadata past here
			return 1
		}
		segLen := int(binary.BigEndian.Uint16(raw[i+2 : i+4]))
		if segLen < 2 || i+2+segLen > len(raw) {
			return 1
		}
		if marker == 0xE1 {
			return parseExifOrientation(raw[i+4 : i+2+segLen])
		}
		i += 2 + segLen
	}
	return 1
}

func parseExifOrientation(seg []byte) int {
	if len(seg) < 14 || string(seg[:6]) != "Exif\x00\x00" {
		return 1
	}
	tiff := seg[6:]

	var order binary.ByteOrder
	switch {
	case tiff[0] == 'I' && tiff[1] == 'I':
		order = binary.LittleEndian
	case tiff[0] == 'M' && tiff[1] == 'M':
		order = binary.BigEndian
	default:
		return 1
	}

	ifdOff := int(order.Uint32(tiff[4:8]))
	if ifdOff+2 > len(tiff) {
		return 1
	}

	n := int(order.Uint16(tiff[ifdOff : ifdOff+2]))
	for e := 0; e < n; e++ {
		entry := ifdOff + 2 + e*12
		if entry+12 > len(tiff) {
			return 1
		}
		tag := order.Uint16(tiff[entry : entry+2])
		if tag != 0x0112 {
			continue
		}
		typ := order.Uint16(tiff[entry+2 : entry+4])
		if typ != 3 { // SHORT
			return 1
		}
		v := int(order.Uint16(tiff[entry+8 : entry+10]))
		if v < 1 || v > 8 {
			return 1
		}
		return v
	}
	return 1
}
