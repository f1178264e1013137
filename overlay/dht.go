package overlay

import "time"

// recordExpiry is the default TTL for DHT records written by this node, per
// spec.md 3 invariant 5.
const recordExpiry = 24 * time.Hour

// dhtRecord is one key/value entry in the in-memory DHT, carrying the
// publishing peer and an explicit expiry as spec.md 3 requires.
type dhtRecord struct {
	Value     []byte
	Publisher PeerID
	Expiry    time.Time
}

func (r *dhtRecord) expired(now time.Time) bool {
	return now.After(r.Expiry)
}

// dht is a Kademlia-flavored key/value store held entirely in memory. Quorum
// for put is "one" per spec.md 4.C: a write is accepted as soon as it lands
// in the local table, there being no replication layer in this core (that is
// the job of the real Kademlia routing table, out of scope for this single
// in-memory node's responsibility).
type dht struct {
	records map[string]*dhtRecord
}

func newDHT() *dht {
	return &dht{records: make(map[string]*dhtRecord)}
}

// put writes key=value with publisher and recordExpiry as the TTL, the
// one-node quorum spec.md calls "one".
func (d *dht) put(key string, value []byte, publisher PeerID, now time.Time) {
	d.records[key] = &dhtRecord{Value: value, Publisher: publisher, Expiry: now.Add(recordExpiry)}
}

// get returns the value for key, provided it has not expired.
func (d *dht) get(key string, now time.Time) ([]byte, PeerID, bool) {
	rec, ok := d.records[key]
	if !ok || rec.expired(now) {
		return nil, "", false
	}
	return rec.Value, rec.Publisher, true
}

// gc removes expired records. Invoked from the runtime's periodic bootstrap
// tick so the table does not grow without bound across a long-lived process.
func (d *dht) gc(now time.Time) {
	for key, rec := range d.records {
		if rec.expired(now) {
			delete(d.records, key)
		}
	}
}

// len reports the current record count. Expired records still count until
// gc removes them.
func (d *dht) len() int {
	return len(d.records)
}

// Well-known DHT key helpers, per spec.md 6's key namespace.

func peerKey(id PeerID) string     { return "peer:" + string(id) }
func contentKey(hash string) string { return "content:" + hash }
func manualKey(addr string) string  { return "manual:" + addr }

const discoveryKey = "discovery"
