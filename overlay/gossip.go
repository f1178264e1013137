package overlay

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Gossip topics pre-subscribed at startup, per spec.md 4.C.
const (
	topicContent = "content"
	topicPeers   = "peers"
)

// gossipMessage is a fully decoded line from the content topic. Exactly one
// of the three fields is populated, mirroring the three wire message kinds
// from spec.md 6.
type gossipMessage struct {
	Content *contentAnnounce
	Search  *searchQuery
	Reply   *searchReply
}

type contentAnnounce struct {
	Hash   string
	Title  string
	Author string
	Tags   []string
}

type searchQuery struct {
	ID    string
	Query string
}

type searchReply struct {
	ID   string
	Hash string
	Name string
}

// encodeContentAnnounce renders CONTENT|<hash>|<title>|<author>|<tags-csv>.
func encodeContentAnnounce(hash, title, author string, tags []string) string {
	return fmt.Sprintf("CONTENT|%s|%s|%s|%s", hash, title, author, strings.Join(tags, ","))
}

// encodeSearchQuery renders S|<search-id>|<query>.
func encodeSearchQuery(id, query string) string {
	return fmt.Sprintf("S|%s|%s", id, query)
}

// encodeSearchReply renders R|<search-id>|<hash>|<name>.
func encodeSearchReply(id, hash, name string) string {
	return fmt.Sprintf("R|%s|%s|%s", id, hash, name)
}

// decodeContentMessage parses one line received on the content topic into
// its typed form. An unrecognized or malformed line is a protocol-violation
// per spec.md 7 and is dropped silently by the caller; decodeContentMessage
// itself just reports the failure.
func decodeContentMessage(line string) (*gossipMessage, error) {
	parts := strings.Split(line, "|")
	if len(parts) == 0 {
		return nil, fmt.Errorf("overlay: empty gossip line")
	}
	switch parts[0] {
	case "CONTENT":
		if len(parts) != 5 {
			return nil, fmt.Errorf("overlay: malformed CONTENT line: %q", line)
		}
		var tags []string
		if parts[4] != "" {
			tags = strings.Split(parts[4], ",")
		}
		return &gossipMessage{Content: &contentAnnounce{Hash: parts[1], Title: parts[2], Author: parts[3], Tags: tags}}, nil
	case "S":
		if len(parts) != 3 {
			return nil, fmt.Errorf("overlay: malformed S line: %q", line)
		}
		return &gossipMessage{Search: &searchQuery{ID: parts[1], Query: parts[2]}}, nil
	case "R":
		if len(parts) != 4 {
			return nil, fmt.Errorf("overlay: malformed R line: %q", line)
		}
		return &gossipMessage{Reply: &searchReply{ID: parts[1], Hash: parts[2], Name: parts[3]}}, nil
	default:
		return nil, fmt.Errorf("overlay: unknown gossip message kind: %q", parts[0])
	}
}

// messageID derives a gossip dedup key straight from the message bytes, per
// spec.md 9: "do not re-derive from sender, since senders are anonymous."
func messageID(topic string, payload []byte) string {
	h := sha3.Sum256(append([]byte(topic+"|"), payload...))
	return string(h[:])
}

// seenCache remembers recently observed gossip message ids so duplicates
// delivered by the mesh (spec.md 5: "the design tolerates duplicates") are
// not reprocessed twice. It has no eviction policy beyond process lifetime;
// a long-lived node would want a bounded LRU here, left as a documented
// simplification matching the single-process scope of this core.
type seenCache struct {
	seen map[string]struct{}
}

func newSeenCache() *seenCache {
	return &seenCache{seen: make(map[string]struct{})}
}

// markSeen records id and reports whether it was already present.
func (c *seenCache) markSeen(id string) (duplicate bool) {
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = struct{}{}
	return false
}
