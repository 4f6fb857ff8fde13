package broadcast

import "io"

const (
	id3v2HeaderSize = 10
	id3v2SizeMask   = 0x7F // sync-safe integers use 7 bits per byte
	frameSyncWindow = 8192 // give up looking for a frame sync after 8KiB
)

// findMP3FrameSync finds the position of the first valid MP3 frame sync word:
// 0xFF followed by a byte whose high nibble is 0xE or 0xF.
// Returns -1 if not found.
func findMP3FrameSync(data []byte) int {
	for i := 0; i < len(data)-1; i++ {
		if data[i] == 0xFF && data[i+1]&0xE0 == 0xE0 {
			return i
		}
	}
	return -1
}

// id3v2Size returns the length of a leading ID3v2 tag, header included.
func id3v2Size(header []byte) int {
	if len(header) < id3v2HeaderSize || string(header[:3]) != "ID3" {
		return 0
	}

	size := int(header[6]&id3v2SizeMask)<<21 |
		int(header[7]&id3v2SizeMask)<<14 |
		int(header[8]&id3v2SizeMask)<<7 |
		int(header[9]&id3v2SizeMask)

	return id3v2HeaderSize + size
}

// audioOffset returns where the audio frames of an mp3 track begin, so a
// looped track restarts on a frame instead of replaying its tag. Other
// formats restart at 0.
func audioOffset(r io.ReaderAt, ext string) int64 {
	if ext != ".mp3" {
		return 0
	}

	header := make([]byte, id3v2HeaderSize)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return 0
	}
	start := int64(id3v2Size(header[:n]))

	window := make([]byte, frameSyncWindow)
	n, err = r.ReadAt(window, start)
	if err != nil && err != io.EOF {
		return 0
	}

	pos := findMP3FrameSync(window[:n])
	if pos < 0 {
		return start
	}
	return start + int64(pos)
}
