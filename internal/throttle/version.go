package throttle

import (
	"strconv"
	"strings"
)

// versionPart is one dot-separated component such as "0b1": a number, an
// optional pre-release tag, and a number after the tag.
type versionPart struct {
	major int
	tag   string
	minor int
}

func parseVersionPart(s string) versionPart {
	var p versionPart
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	p.major, _ = strconv.Atoi(s[:i])
	rest := s[i:]
	j := 0
	for j < len(rest) && (rest[j] < '0' || rest[j] > '9') {
		j++
	}
	p.tag = rest[:j]
	p.minor, _ = strconv.Atoi(strings.TrimLeft(rest[j:], "+"))
	return p
}

func compareParts(a, b versionPart) int {
	switch {
	case a.major != b.major:
		return sign(a.major - b.major)
	case a.tag != b.tag:
		// A tagged part is a pre-release and sorts before the untagged one.
		if a.tag == "" {
			return 1
		}
		if b.tag == "" {
			return -1
		}
		return strings.Compare(a.tag, b.tag)
	}
	return sign(a.minor - b.minor)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

// CompareVersions orders product versions such as "3.6", "3.6.13", "4.0b1"
// and "4.0a2pre". Missing trailing components count as zero.
func CompareVersions(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		var x, y versionPart
		if i < len(pa) {
			x = parseVersionPart(pa[i])
		}
		if i < len(pb) {
			y = parseVersionPart(pb[i])
		}
		if c := compareParts(x, y); c != 0 {
			return c
		}
	}
	return 0
}
