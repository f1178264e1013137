package overlay

import "strings"

// IndexedContent describes one piece of content this node hosts locally,
// addressable by its content hash. Created on publish, read on inbound chunk
// requests and local search, per spec.md 3.
type IndexedContent struct {
	Hash   string
	Path   string
	Title  string
	Author string
	Tags   []string
}

// discoveredContent is a remote content reference learned over gossip; it
// never carries a local path. It is kept in a map separate from the local
// index; no "remote:" path prefix is applied to it.
type discoveredContent struct {
	Hash   string
	Name   string
	PeerID PeerID
}

const remotePathMarker = "remote:"

// contentIndex holds both the locally-hosted index and remote references
// discovered over the mesh. It is owned exclusively by the runtime's event
// loop goroutine; no locking is needed.
type contentIndex struct {
	local     map[string]*IndexedContent
	discovered map[string]*discoveredContent
}

func newContentIndex() *contentIndex {
	return &contentIndex{
		local:      make(map[string]*IndexedContent),
		discovered: make(map[string]*discoveredContent),
	}
}

// update inserts or overwrites a locally-hosted entry.
func (c *contentIndex) update(hash, path, title, author string, tags []string) *IndexedContent {
	entry := &IndexedContent{Hash: hash, Path: path, Title: title, Author: author, Tags: tags}
	c.local[hash] = entry
	return entry
}

// get returns the local entry for hash, if any.
func (c *contentIndex) get(hash string) (*IndexedContent, bool) {
	entry, ok := c.local[hash]
	return entry, ok
}

// noteDiscovered records a remote content reference learned from a CONTENT
// announcement on the content topic. A later announcement of the same hash
// replaces the entry.
func (c *contentIndex) noteDiscovered(hash, name string, peer PeerID) {
	c.discovered[hash] = &discoveredContent{Hash: hash, Name: name, PeerID: peer}
}

// SearchResult is one (hash, display-name) pair returned from a search,
// local or remote.
type SearchResult struct {
	Hash string
	Name string
}

// matchLocal performs the case-insensitive substring match spec.md 4.C
// describes: query against title (or filename if title is empty), author,
// and any tag.
func (c *contentIndex) matchLocal(query string) []SearchResult {
	q := strings.ToLower(query)
	var results []SearchResult
	for hash, entry := range c.local {
		name := entry.Title
		if name == "" {
			name = filename(entry.Path)
		}
		if strings.Contains(strings.ToLower(name), q) ||
			strings.Contains(strings.ToLower(entry.Author), q) ||
			tagsContain(entry.Tags, q) {
			results = append(results, SearchResult{Hash: hash, Name: name})
		}
	}
	return results
}

func tagsContain(tags []string, q string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func filename(path string) string {
	idx := strings.LastIndexAny(path, "/\\")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
