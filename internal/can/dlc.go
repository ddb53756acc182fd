package can

// dlcLen maps a 4-bit DLC to a payload length (ISO 11898-1). For Classic
// frames DLC 9..15 still mean 8 bytes; FD frames use the full table.
var dlcLen = [16]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// fdLens is the set of payload lengths accepted when encoding an FD frame.
var fdLens = [...]int{0, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen returns the payload length encoded by dlc.
func DLCToLen(dlc uint8, fd bool) uint8 {
	dlc &= 0xF
	if !fd && dlc > 8 {
		return 8
	}
	return dlcLen[dlc]
}

// LenToDLC returns the DLC for an exact payload length.
func LenToDLC(n int) (uint8, bool) {
	if n >= 0 && n <= 8 {
		return uint8(n), true
	}
	for dlc := 9; dlc < len(dlcLen); dlc++ {
		if int(dlcLen[dlc]) == n {
			return uint8(dlc), true
		}
	}
	return 0, false
}

// IsFDLen reports whether n is an accepted FD transmit length.
func IsFDLen(n int) bool {
	for _, l := range fdLens {
		if l == n {
			return true
		}
	}
	return false
}

// FDLengths returns the accepted FD transmit lengths in ascending order.
func FDLengths() []int {
	out := make([]int, len(fdLens))
	copy(out, fdLens[:])
	return out
}
