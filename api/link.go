package api

type Link struct {
	SrcNode    string         `yaml:"srcNode"`
	DstNode    string         `yaml:"dstNode"`
	Properties LinkProperties `yaml:"properties"`

	SrcIntf *NodeInterface `yaml:"-"`
	DstIntf *NodeInterface `yaml:"-"`
}

// LinkProperties are applied with tc on both ends of a link.
// The zero value leaves the link unshaped.
type LinkProperties struct {
	Latency uint32  `yaml:"latency"` // in ms
	Loss    float32 `yaml:"loss"`    // in percentage
	Rate    uint64  `yaml:"rate"`    // in mbps
}

func (p LinkProperties) IsZero() bool {
	return p.Latency == 0 && p.Loss == 0 && p.Rate == 0
}
