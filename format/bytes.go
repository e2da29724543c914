package format

import "fmt"

const (
	Byte     = 1
	KibiByte = Byte * 1024
	MebiByte = KibiByte * 1024
	GibiByte = MebiByte * 1024
)

var byteUnits = []unit{
	{GibiByte, "GiB"},
	{MebiByte, "MiB"},
	{KibiByte, "KiB"},
}

// HumanBytes renders memory footprints, such as a token trie or a mask
// buffer, in binary units.
func HumanBytes(b int64) string {
	for _, u := range byteUnits {
		if float64(b) >= u.size {
			v := float64(b) / u.size
			if v == float64(int64(v)) {
				return fmt.Sprintf("%d %s", int64(v), u.suffix)
			}
			return fmt.Sprintf("%.1f %s", v, u.suffix)
		}
	}
	return fmt.Sprintf("%d B", b)
}
