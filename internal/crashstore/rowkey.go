package crashstore

import "strings"

// Salts are the leading characters of every salted row key, one per shard.
const Salts = "0123456789abcdef"

// idDateLen is the length of the yymmdd suffix of a crash id.
const idDateLen = 6

func checkID(id string) error {
	if len(id) <= idDateLen || strings.IndexByte(Salts, id[0]) < 0 {
		return malformed("bad crash id %q", id)
	}
	return nil
}

// RowKey returns the crash_reports key for id: the first hex character of the
// id as a salt, the yymmdd date embedded at the end of the id, then the id.
// The salt spreads the submission stream over sixteen shards while the date
// keeps one day's reports contiguous within a shard.
func RowKey(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	return id[:1] + id[len(id)-idDateLen:] + id, nil
}

// LegacyRowKey is the unsalted key layout: date then id.
func LegacyRowKey(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	return id[len(id)-idDateLen:] + id, nil
}

// IDFromRowKey recovers the crash id from a salted crash_reports key.
func IDFromRowKey(key string) (string, error) {
	if len(key) <= 1+idDateLen {
		return "", malformed("bad row key %q", key)
	}
	return key[1+idDateLen:], nil
}

// IndexRowKey is the key used by the time-ordered index tables: salt,
// submission timestamp, id.
func IndexRowKey(id, timestamp string) string {
	if id == "" {
		return timestamp
	}
	return id[:1] + timestamp + id
}

// Unsalted strips the salt character, yielding the key's global sort order.
func Unsalted(key string) string {
	if key == "" {
		return key
	}
	return key[1:]
}

// SaltedPrefixes returns prefix salted with every shard character.
func SaltedPrefixes(prefix string) []string {
	out := make([]string, len(Salts))
	for i := range Salts {
		out[i] = Salts[i:i+1] + prefix
	}
	return out
}
