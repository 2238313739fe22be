package salesforce

// to18Alphabet maps a 5-bit chunk checksum to its suffix character.
const to18Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ012345"

// To18 converts a 15-character case-sensitive record ID to its 18-character
// case-insensitive form by appending a three-character checksum. IDs that are
// already 18 characters, or not 15 characters, are returned unchanged.
func To18(id string) string {
	if len(id) != 15 {
		return id
	}

	suffix := make([]byte, 3)
	for chunk := 0; chunk < 3; chunk++ {
		bits := 0
		for pos := 0; pos < 5; pos++ {
			c := id[chunk*5+pos]
			if c >= 'A' && c <= 'Z' {
				bits |= 1 << pos
			}
		}
		suffix[chunk] = to18Alphabet[bits]
	}
	return id + string(suffix)
}
