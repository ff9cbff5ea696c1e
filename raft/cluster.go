package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
)

// Cluster represents the membership of the replica set.
type Cluster struct {
	// List of peers in the cluster, ordered by id.
	Peers []*Peer `json:"peers,omitempty"`
}

// PeerByID returns a peer by identifier.
func (c *Cluster) PeerByID(id uint64) *Peer {
	for _, p := range c.Peers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Quorum returns the number of members that constitute a majority.
func (c *Cluster) Quorum() int {
	return len(c.Peers)/2 + 1
}

// addPeer adds a new peer to the cluster.
// Returns an error if a peer with the same id or url exists.
func (c *Cluster) addPeer(id uint64, rawurl string) error {
	if id == 0 {
		return errors.New("invalid peer id")
	} else if rawurl == "" {
		return errors.New("peer url required")
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return fmt.Errorf("peer %d: %w", id, err)
	}

	for _, p := range c.Peers {
		if p.ID == id {
			return fmt.Errorf("peer id already exists: %d", id)
		} else if p.URL.String() == u.String() {
			return fmt.Errorf("peer url already in use: %s", u)
		}
	}

	c.Peers = append(c.Peers, &Peer{ID: id, URL: u})
	sort.Slice(c.Peers, func(i, j int) bool { return c.Peers[i].ID < c.Peers[j].ID })
	return nil
}

// clone returns a deep copy of the cluster.
func (c *Cluster) clone() *Cluster {
	other := &Cluster{Peers: make([]*Peer, len(c.Peers))}
	for i, p := range c.Peers {
		other.Peers[i] = p.clone()
	}
	return other
}

// Peer represents a single member of the cluster.
type Peer struct {
	ID  uint64   `json:"id"`
	URL *url.URL `json:"url,omitempty"`
}

// clone returns a deep copy of the peer.
func (p *Peer) clone() *Peer {
	other := &Peer{ID: p.ID, URL: &url.URL{}}
	*other.URL = *p.URL
	return other
}

// peerJSONMarshaler represents the JSON serialized form of the Peer type.
type peerJSONMarshaler struct {
	ID  uint64 `json:"id"`
	URL string `json:"url,omitempty"`
}

// MarshalJSON encodes the peer into a JSON-formatted byte slice.
func (p *Peer) MarshalJSON() ([]byte, error) {
	var o peerJSONMarshaler
	o.ID = p.ID
	if p.URL != nil {
		o.URL = p.URL.String()
	}
	return json.Marshal(&o)
}

// UnmarshalJSON decodes a JSON-formatted byte slice into a peer.
func (p *Peer) UnmarshalJSON(data []byte) error {
	var o peerJSONMarshaler
	if err := json.Unmarshal(data, &o); err != nil {
		return err
	}

	p.ID = o.ID
	if o.URL != "" {
		u, err := url.Parse(o.URL)
		if err != nil {
			return err
		}
		p.URL = u
	}
	return nil
}
