package types

import (
	"fmt"
	"strings"
)

// ClusterMatchID is the globally unique identifier of a match: the tuple of
// owning node, container on that node, and the container-local match id.
//
// The wire format is "{nodeId}-{containerId}-{localId}". Node ids may contain
// hyphens, so parsing splits on the last two hyphens; container and local ids
// therefore must not contain hyphens.
type ClusterMatchID struct {
	NodeID      string
	ContainerID string
	LocalID     string
}

// String renders the stable wire format.
func (id ClusterMatchID) String() string {
	return id.NodeID + "-" + id.ContainerID + "-" + id.LocalID
}

// IsZero reports whether the id has no components set.
func (id ClusterMatchID) IsZero() bool {
	return id == ClusterMatchID{}
}

// ParseClusterMatchID parses the wire format produced by String.
func ParseClusterMatchID(s string) (ClusterMatchID, error) {
	last := strings.LastIndexByte(s, '-')
	if last <= 0 || last == len(s)-1 {
		return ClusterMatchID{}, fmt.Errorf("malformed cluster match id %q", s)
	}
	second := strings.LastIndexByte(s[:last], '-')
	if second <= 0 || second == last-1 {
		return ClusterMatchID{}, fmt.Errorf("malformed cluster match id %q", s)
	}
	return ClusterMatchID{
		NodeID:      s[:second],
		ContainerID: s[second+1 : last],
		LocalID:     s[last+1:],
	}, nil
}

// MarshalText implements encoding.TextMarshaler so the id serializes as its
// wire format in JSON documents and map keys.
func (id ClusterMatchID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ClusterMatchID) UnmarshalText(text []byte) error {
	parsed, err := ParseClusterMatchID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
