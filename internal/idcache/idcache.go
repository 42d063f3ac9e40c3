// Package idcache maps product, operating system and url values onto the
// integer ids of their dimension rows, creating rows on first sight and
// keeping the hot ones in memory.
package idcache

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	logging "github.com/op/go-logging"
	"github.com/pkg/errors"
)

var log = logging.MustGetLogger("idcache")

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// ErrInvalidURL is returned by URLID for values that do not look like urls.
var ErrInvalidURL = errors.New("unparsable url")

// DefaultSize bounds each dimension's cache.
const DefaultSize = 1000

// Options tune a Cache.
type Options struct {
	// Size bounds each dimension's cache; reaching it drops the least used
	// half. Zero means DefaultSize, negative disables caching.
	Size int
	// TruncateURLLength cuts stored urls to this many bytes when positive.
	TruncateURLLength int
}

type dimension struct {
	table  string
	get    string
	put    string
	ids    map[string]int64
	counts map[string]int
}

func newDimension(table, get, put string) *dimension {
	return &dimension{table: table, get: get, put: put, ids: map[string]int64{}, counts: map[string]int{}}
}

// Cache is safe for concurrent use.
type Cache struct {
	db   Querier
	opts Options

	mu       sync.Mutex
	products *dimension
	oses     *dimension
	urls     *dimension
}

// New builds a Cache over db.
func New(db Querier, opts Options) *Cache {
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	return &Cache{
		db:   db,
		opts: opts,
		products: newDimension("productdims",
			`SELECT id FROM productdims WHERE product = $1 AND version = $2`,
			`INSERT INTO productdims (product, version, release) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING RETURNING id`),
		oses: newDimension("osdims",
			`SELECT id FROM osdims WHERE os_name = $1 AND os_version = $2`,
			`INSERT INTO osdims (os_name, os_version) VALUES ($1, $2) ON CONFLICT DO NOTHING RETURNING id`),
		urls: newDimension("urldims",
			`SELECT id FROM urldims WHERE domain = $1 AND url = $2`,
			`INSERT INTO urldims (domain, url) VALUES ($1, $2) ON CONFLICT DO NOTHING RETURNING id`),
	}
}

// ProductID returns the id of a product and version pair.
func (c *Cache) ProductID(ctx context.Context, product, version string) (int64, error) {
	key := product + "\x00" + version
	return c.assure(ctx, c.products, key, []interface{}{product, version}, []interface{}{product, version, nullable(ProductRelease(version))})
}

// OSID returns the id of an operating system and version pair. Linux
// versions are normalised first, see OSVersion.
func (c *Cache) OSID(ctx context.Context, name, version string) (int64, error) {
	version = OSVersion(name, version)
	key := name + "\x00" + version
	args := []interface{}{name, version}
	return c.assure(ctx, c.oses, key, args, args)
}

// URLID returns the id of a url. The query string is dropped and the rest is
// truncated to the configured length.
func (c *Cache) URLID(ctx context.Context, rawURL string) (int64, error) {
	domain, u, ok := SplitURL(rawURL)
	if !ok {
		return 0, errors.Wrapf(ErrInvalidURL, "%q", rawURL)
	}
	if n := c.opts.TruncateURLLength; n > 0 && len(u) > n {
		u = u[:n]
	}
	key := domain + "\x00" + u
	args := []interface{}{domain, u}
	return c.assure(ctx, c.urls, key, args, args)
}

// Len reports how many ids each dimension caches, in product, os, url order.
func (c *Cache) Len() (products, oses, urls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.products.ids), len(c.oses.ids), len(c.urls.ids)
}

func (c *Cache) lookup(d *dimension, key string) (int64, bool) {
	if c.opts.Size < 0 {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := d.ids[key]
	if ok {
		d.counts[key]++
	}
	return id, ok
}

func (c *Cache) remember(d *dimension, key string, id int64) {
	if c.opts.Size < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d.ids[key] = id
	d.counts[key] = 1
	if len(d.ids) > c.opts.Size {
		d.ids, d.counts = shrink(d.ids, d.counts, key)
		log.Debugf("%s cache shrunk to %d ids", d.table, len(d.ids))
	}
}

// assure returns the cached id for key, else selects it, else inserts it.
// An insert that loses a race to another writer selects the winner's row.
func (c *Cache) assure(ctx context.Context, d *dimension, key string, getArgs, putArgs []interface{}) (int64, error) {
	if id, ok := c.lookup(d, key); ok {
		return id, nil
	}
	id, err := c.selectID(ctx, d, getArgs)
	if errors.Is(err, pgx.ErrNoRows) {
		err = c.db.QueryRow(ctx, d.put, putArgs...).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			log.Infof("lost insert race on %s for %v", d.table, getArgs)
			id, err = c.selectID(ctx, d, getArgs)
		}
	}
	if err != nil {
		return 0, errors.Wrapf(err, "assure %s id for %v", d.table, getArgs)
	}
	c.remember(d, key, id)
	return id, nil
}

func (c *Cache) selectID(ctx context.Context, d *dimension, args []interface{}) (int64, error) {
	var id int64
	err := c.db.QueryRow(ctx, d.get, args...).Scan(&id)
	return id, err
}

// shrink keeps the most used half of a cache (the larger half when the size
// is odd) plus keep, and resets every surviving count to one.
func shrink(ids map[string]int64, counts map[string]int, keep string) (map[string]int64, map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] < counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	survivors := keys[len(keys)/2:]
	newIDs := make(map[string]int64, len(survivors)+1)
	newCounts := make(map[string]int, len(survivors)+1)
	for _, k := range survivors {
		newIDs[k] = ids[k]
		newCounts[k] = 1
	}
	if id, ok := ids[keep]; ok {
		newIDs[keep] = id
		newCounts[keep] = 1
	}
	return newIDs, newCounts
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var (
	majorPattern       = regexp.MustCompile(`^(\d+\.)+\d+$`)
	developmentPattern = regexp.MustCompile(`^(\d+\.)+\d+[ab]\d*$`)
	milestonePattern   = regexp.MustCompile(`^(\d+\.)+\d+([ab]\d*)?pre$`)
)

// ProductRelease classifies a version string as "major", "development" or
// "milestone", or returns "" when it is none of them.
func ProductRelease(version string) string {
	switch {
	case milestonePattern.MatchString(version):
		return "milestone"
	case developmentPattern.MatchString(version):
		return "development"
	case majorPattern.MatchString(version):
		return "major"
	}
	return ""
}

var (
	linuxLinePattern         = regexp.MustCompile(`^(?:0\.0\.0 [lL]inux.+[lL]inux$|[0-9.]+.+(i586|i686|sun4u|i86pc|x86_64)?)`)
	linuxVersionPattern      = regexp.MustCompile(`(0\.0\.0 [lL]inux.)([0-9.]+[0-9]).*(i586|i686|sun4u|i86pc|x86_64).*`)
	linuxShortVersionPattern = regexp.MustCompile(`(0\.0\.0 [lL]inux.)([0-9.]+[0-9]).*`)
)

// OSVersion reduces a Linux version string to its version numbers and, when
// present, its architecture: "0.0.0 Linux 2.4.6.smp x86_64 Linux" becomes
// "2.4.6 x86_64" and a string without a known architecture gets "?arch?".
// Unrecognisable Linux versions become "". Other systems pass through.
func OSVersion(name, version string) string {
	if name != "Linux" {
		return version
	}
	if !linuxLinePattern.MatchString(version) {
		return ""
	}
	if v := linuxVersionPattern.ReplaceAllString(version, "${2} ${3}"); v != version {
		return v
	}
	if v := linuxShortVersionPattern.ReplaceAllString(version, "${2}"); v != version {
		return v + " ?arch?"
	}
	return ""
}

var urlPattern = regexp.MustCompile(`^(?P<uri>(?P<proto>\w+):(?P<lead>//)?(?P<domain>[^/]+)?(?P<tail>[^?&=;]*))(?P<query>.*)$`)

// SplitURL returns the domain of a url and the url without its query.
func SplitURL(raw string) (domain, url string, ok bool) {
	m := urlPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", "", false
	}
	return m[urlPattern.SubexpIndex("domain")], m[urlPattern.SubexpIndex("uri")], true
}
