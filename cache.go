package gobox

import (
	"strconv"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// FileCache holds detailed file info by id and by path. Entries live until
// invalidated by a sync event, or until ttl when one is set.
type FileCache struct {
	db *cache.Cache
}

// NewFileCache builds a cache. A zero ttl keeps entries until invalidated.
func NewFileCache(ttl time.Duration) *FileCache {
	expiration, cleanup := cache.NoExpiration, time.Duration(-1)
	if ttl > 0 {
		expiration, cleanup = ttl, ttl
	}
	return &FileCache{db: cache.New(expiration, cleanup)}
}

// Add caches f and the plain files among its children.
func (c *FileCache) Add(f *File) {
	if f.ID != UnknownID {
		c.db.SetDefault(idKey(f.ID), f)
	}
	if f.HasPath() {
		c.db.SetDefault(pathKey(f.PathString()), f)
	}
	if !f.IsDirectory {
		return
	}
	// Folders are not cached through their parent: their own children are
	// only known after an info query on them.
	for _, child := range f.Children {
		if !child.IsDirectory {
			c.Add(child)
		}
	}
}

// Get looks up a partial reference by id first, then by path.
func (c *FileCache) Get(ref *File) (*File, bool) {
	if ref.ID != UnknownID {
		if f, ok := c.GetByID(ref.ID); ok {
			return f, true
		}
	}
	if ref.HasPath() {
		return c.GetByPath(ref.PathString())
	}
	return nil, false
}

// GetByID returns the cached file with id.
func (c *FileCache) GetByID(id int64) (*File, bool) {
	return c.lookup(idKey(id))
}

// GetByPath returns the cached file at path.
func (c *FileCache) GetByPath(path string) (*File, bool) {
	return c.lookup(pathKey(path))
}

// Invalidate drops the entries for f, under both of the keys the cached
// copy was stored with.
func (c *FileCache) Invalidate(f *File) {
	if f == nil {
		return
	}
	if f.ID != UnknownID {
		if cached, ok := c.GetByID(f.ID); ok && cached.HasPath() {
			c.db.Delete(pathKey(cached.PathString()))
		}
		c.db.Delete(idKey(f.ID))
	}
	if f.HasPath() {
		if cached, ok := c.GetByPath(f.PathString()); ok && cached.ID != UnknownID {
			c.db.Delete(idKey(cached.ID))
		}
		c.db.Delete(pathKey(f.PathString()))
	}
}

// Flush empties the cache.
func (c *FileCache) Flush() {
	c.db.Flush()
}

// Len returns the number of cached entries, both keys counted.
func (c *FileCache) Len() int {
	return c.db.ItemCount()
}

func (c *FileCache) lookup(key string) (*File, bool) {
	x, found := c.db.Get(key)
	if !found {
		return nil, false
	}
	f, ok := x.(*File)
	return f, ok
}

func idKey(id int64) string {
	return "id:" + strconv.FormatInt(id, 10)
}

func pathKey(p string) string {
	return "path:" + p
}
