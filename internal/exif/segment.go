package exif

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// buildSegment creates a minimal TIFF/EXIF payload carrying
// DateTimeOriginal, OffsetTimeOriginal, and optionally a UserComment
// marker. The time is written in its own zone; the offset tag records
// which zone that was.
func buildSegment(t time.Time, marker string) []byte {
	dateTime := t.Format(exifTimeLayout)
	offset := formatOffset(t)

	var buf bytes.Buffer

	// Exif identifier
	buf.WriteString("Exif\x00\x00")

	// TIFF header (little endian)
	buf.Write([]byte{0x49, 0x49})             // "II"
	buf.Write([]byte{0x2A, 0x00})             // TIFF magic
	buf.Write([]byte{0x08, 0x00, 0x00, 0x00}) // Offset to IFD0

	tiffStart := 6

	// IFD0: one entry pointing at the EXIF SubIFD
	binary.Write(&buf, binary.LittleEndian, uint16(1))

	exifSubIFDOffset := uint32(8 + 2 + 12 + 4)
	binary.Write(&buf, binary.LittleEndian, uint16(tagExifOffset))
	binary.Write(&buf, binary.LittleEndian, uint16(4)) // LONG
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, exifSubIFDOffset)

	binary.Write(&buf, binary.LittleEndian, uint32(0)) // No next IFD

	entries := uint16(2)
	var userCommentData []byte
	if marker != "" {
		entries = 3
		// UserComment: 8-byte charset identifier + data
		userCommentData = append([]byte("ASCII\x00\x00\x00"), []byte(marker)...)
	}

	binary.Write(&buf, binary.LittleEndian, entries)

	currentOffset := buf.Len() - tiffStart
	valuesOffset := uint32(currentOffset + int(entries)*12 + 4)

	// DateTimeOriginal - 20 bytes, stored externally
	dateTimeOffset := valuesOffset
	binary.Write(&buf, binary.LittleEndian, uint16(tagDateTimeOriginal))
	binary.Write(&buf, binary.LittleEndian, uint16(2)) // ASCII
	binary.Write(&buf, binary.LittleEndian, uint32(20))
	binary.Write(&buf, binary.LittleEndian, dateTimeOffset)

	// OffsetTimeOriginal - "+HH:MM" + null = 7 bytes
	offsetTimeOffset := dateTimeOffset + 20
	binary.Write(&buf, binary.LittleEndian, uint16(tagOffsetTimeOriginal))
	binary.Write(&buf, binary.LittleEndian, uint16(2)) // ASCII
	binary.Write(&buf, binary.LittleEndian, uint32(7))
	binary.Write(&buf, binary.LittleEndian, offsetTimeOffset)

	if marker != "" {
		userCommentOffset := offsetTimeOffset + 7
		binary.Write(&buf, binary.LittleEndian, uint16(tagUserComment))
		binary.Write(&buf, binary.LittleEndian, uint16(7)) // UNDEFINED
		binary.Write(&buf, binary.LittleEndian, uint32(len(userCommentData)))
		binary.Write(&buf, binary.LittleEndian, userCommentOffset)
	}

	// Next IFD offset
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	// Values
	buf.WriteString(dateTime)
	buf.WriteByte(0)
	buf.WriteString(offset)
	buf.WriteByte(0)
	if marker != "" {
		buf.Write(userCommentData)
	}

	return buf.Bytes()
}

func formatOffset(t time.Time) string {
	_, secs := t.Zone()
	sign := "+"
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	return fmt.Sprintf("%s%02d:%02d", sign, secs/3600, (secs%3600)/60)
}

// inject inserts an APP1/EXIF segment right after SOI, replacing any
// existing APP1 segment.
func inject(imageData []byte, exifData []byte) ([]byte, error) {
	if len(imageData) < 2 || !isJPEG(imageData) {
		return nil, fmt.Errorf("not a jpeg")
	}

	var result bytes.Buffer

	// SOI marker
	result.Write(imageData[:2])

	// APP1 marker and length
	result.WriteByte(0xFF)
	result.WriteByte(0xE1)
	length := uint16(len(exifData) + 2)
	binary.Write(&result, binary.BigEndian, length)
	result.Write(exifData)

	// Skip any existing APP1 segment in the source
	pos := 2
	for pos < len(imageData)-1 {
		if imageData[pos] == 0xFF {
			marker := imageData[pos+1]
			if marker == 0xE1 {
				if pos+3 < len(imageData) {
					segLen := int(imageData[pos+2])<<8 | int(imageData[pos+3])
					pos += 2 + segLen
					continue
				}
			}
		}
		break
	}

	result.Write(imageData[pos:])

	return result.Bytes(), nil
}

// findSegment finds the TIFF payload of the APP1/EXIF segment
func findSegment(imageData []byte) []byte {
	if len(imageData) < 4 {
		return nil
	}

	pos := 2 // After SOI
	for pos < len(imageData)-3 {
		if imageData[pos] != 0xFF {
			pos++
			continue
		}

		marker := imageData[pos+1]
		if marker == 0xE1 { // APP1
			segLen := int(imageData[pos+2])<<8 | int(imageData[pos+3])
			if pos+2+segLen <= len(imageData) {
				segment := imageData[pos+4 : pos+2+segLen]
				if len(segment) > 6 && bytes.HasPrefix(segment, []byte("Exif\x00\x00")) {
					return segment[6:] // TIFF data after "Exif\0\0"
				}
			}
		}

		if pos+3 < len(imageData) {
			segLen := int(imageData[pos+2])<<8 | int(imageData[pos+3])
			pos += 2 + segLen
		} else {
			break
		}
	}

	return nil
}

// findTag finds an ASCII tag value in the TIFF payload
func findTag(tiff []byte, tagID uint16) string {
	if len(tiff) < 8 {
		return ""
	}

	var order binary.ByteOrder
	if tiff[0] == 0x49 && tiff[1] == 0x49 {
		order = binary.LittleEndian
	} else if tiff[0] == 0x4D && tiff[1] == 0x4D {
		order = binary.BigEndian
	} else {
		return ""
	}

	ifdOffset := order.Uint32(tiff[4:8])
	if int(ifdOffset) >= len(tiff) {
		return ""
	}

	return searchIFD(tiff, int(ifdOffset), tagID, order)
}

func searchIFD(data []byte, offset int, tagID uint16, order binary.ByteOrder) string {
	if offset+2 > len(data) {
		return ""
	}

	entryCount := order.Uint16(data[offset : offset+2])
	offset += 2

	for i := 0; i < int(entryCount); i++ {
		if offset+12 > len(data) {
			break
		}

		tag := order.Uint16(data[offset : offset+2])
		tagType := order.Uint16(data[offset+2 : offset+4])
		count := order.Uint32(data[offset+4 : offset+8])

		if tag == tagID && tagType == 2 { // ASCII
			if count <= 4 {
				// Value stored inline
				value := data[offset+8 : offset+8+int(count)]
				return string(bytes.TrimRight(value, "\x00"))
			}
			valueOffset := order.Uint32(data[offset+8 : offset+12])
			if int(valueOffset)+int(count) <= len(data) {
				return string(data[valueOffset : valueOffset+count-1]) // Drop null terminator
			}
		}

		// Recurse into the EXIF SubIFD
		if tag == tagExifOffset {
			subOffset := order.Uint32(data[offset+8 : offset+12])
			if result := searchIFD(data, int(subOffset), tagID, order); result != "" {
				return result
			}
		}

		offset += 12
	}

	return ""
}
