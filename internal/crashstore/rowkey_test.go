package crashstore

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/dharsanguruparan/CrashVault/internal/model"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRowKey(t *testing.T) {
	t.Parallel()

	Convey(`A row key for crash "abcdef01-2345-6789-abcd-ef0122100523"`, t, func() {
		id := "abcdef01-2345-6789-abcd-ef0122100523"
		key, err := RowKey(id)
		So(err, ShouldBeNil)

		Convey(`Starts with the id's first character as salt.`, func() {
			So(key[:1], ShouldEqual, "a")
		})

		Convey(`Embeds the submission date after the salt.`, func() {
			So(key[1:7], ShouldEqual, "100523")
		})

		Convey(`Can be decoded back into the id.`, func() {
			got, err := IDFromRowKey(key)
			So(err, ShouldBeNil)
			So(got, ShouldEqual, id)
		})

		Convey(`Has an unsalted legacy form.`, func() {
			legacy, err := LegacyRowKey(id)
			So(err, ShouldBeNil)
			So(legacy, ShouldEqual, Unsalted(key))
		})
	})

	Convey(`Index row keys of one shard sort by timestamp`, t, func() {
		var keys []string
		for _, ts := range []string{
			"2010-05-23T00:00:00.000000",
			"2010-05-23T00:00:00.000001",
			"2010-05-23T17:04:05.000000",
			"2011-01-01T00:00:00.000000",
		} {
			keys = append(keys, IndexRowKey("0aaaaaaa-0000-0000-0000-000000000000", ts))
		}
		So(sort.StringsAreSorted(keys), ShouldBeTrue)
		for _, key := range keys {
			So(key[:1], ShouldEqual, "0")
		}
	})

	Convey(`Malformed ids are rejected with ErrMalformed.`, t, func() {
		for _, id := range []string{"", "abc", "123456", "Zbcdef01-2345"} {
			Convey(fmt.Sprintf(`Id %q fails.`, id), func() {
				_, err := RowKey(id)
				So(IsMalformed(err), ShouldBeTrue)
			})
		}
	})

	Convey(`Short row keys fail to decode.`, t, func() {
		_, err := IDFromRowKey("a100523")
		So(IsMalformed(err), ShouldBeTrue)
	})

	Convey(`Salted prefixes cover every shard once.`, t, func() {
		prefixes := SaltedPrefixes("100523")
		So(len(prefixes), ShouldEqual, 16)
		So(sort.StringsAreSorted(prefixes), ShouldBeTrue)
		So(prefixes[0], ShouldEqual, "0100523")
		So(prefixes[15], ShouldEqual, "f100523")
	})
}

func TestRowKeySaltDistribution(t *testing.T) {
	t.Parallel()

	const n = 16000
	counts := make(map[byte]int)
	day := time.Date(2010, 5, 23, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		key, err := RowKey(model.NewCrashID(day))
		if err != nil {
			t.Fatal(err)
		}
		counts[key[0]]++
	}

	Convey(`Salts spread evenly over sixteen shards`, t, func() {
		So(len(counts), ShouldEqual, 16)
		for _, c := range counts {
			// 1000 expected per shard; 250 is about eight standard deviations.
			So(c, ShouldBeBetween, 750, 1250)
		}
	})
}
