package format

import (
	"fmt"
	"strings"
)

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
	TeraByte = GigaByte * 1000
)

var byteUnits = []struct {
	size int64
	name string
}{
	{TeraByte, "TB"},
	{GigaByte, "GB"},
	{MegaByte, "MB"},
	{KiloByte, "KB"},
}

// HumanBytes formats b with decimal units, the way file sizes are shown in
// the model cache listing.
func HumanBytes(b int64) string {
	for _, u := range byteUnits {
		if b >= u.size {
			s := fmt.Sprintf("%.1f", float64(b)/float64(u.size))
			return strings.TrimSuffix(s, ".0") + " " + u.name
		}
	}

	if b == 1 {
		return "1 byte"
	}
	return fmt.Sprintf("%d bytes", b)
}
