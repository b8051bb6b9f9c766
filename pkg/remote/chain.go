package remote

// Category tags a node of the call chain with the kind of participant it is.
type Category string

const (
	CategoryUser  Category = "user"
	CategoryAgent Category = "agent"
	CategoryTool  Category = "tool"
	CategoryLLM   Category = "llm"
)

// ChainNode is one hop of a call chain.
type ChainNode struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
}

// CallChain is the path of nested calls from the originating user request to
// the current hop, together with the identifiers of the nodes traversed so far.
// Values are never mutated in place; Enter returns a new chain.
type CallChain struct {
	Nodes   []ChainNode
	NodeIDs []string
}

// NewCallChain starts a chain at the originating participant.
func NewCallChain(origin string, category Category) CallChain {
	return CallChain{Nodes: []ChainNode{{Name: origin, Category: category}}}
}

// Enter returns a copy of the chain with the callee appended. An empty nodeID
// appends the node without recording a traversed identifier.
func (c CallChain) Enter(name string, category Category, nodeID string) CallChain {
	next := c.Clone()
	next.Nodes = append(next.Nodes, ChainNode{Name: name, Category: category})
	if nodeID != "" {
		next.NodeIDs = append(next.NodeIDs, nodeID)
	}
	return next
}

// Clone returns a deep copy.
func (c CallChain) Clone() CallChain {
	out := CallChain{}
	if c.Nodes != nil {
		out.Nodes = append(make([]ChainNode, 0, len(c.Nodes)+1), c.Nodes...)
	}
	if c.NodeIDs != nil {
		out.NodeIDs = append(make([]string, 0, len(c.NodeIDs)+1), c.NodeIDs...)
	}
	return out
}

// Len returns the number of nodes in the chain.
func (c CallChain) Len() int { return len(c.Nodes) }

// Names returns the node names in order.
func (c CallChain) Names() []string {
	names := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		names[i] = n.Name
	}
	return names
}

// OutboundChain is the part of a call chain that may leave the process.
// When Shared is false both slices are nil and the envelope carries neither
// field.
type OutboundChain struct {
	Shared  bool
	Nodes   []ChainNode
	NodeIDs []string
}

// ApplyChainPolicy decides what part of the chain is disclosed to the remote
// side. Disclosure is all-or-nothing: the full chain with its node IDs, or
// nothing at all.
func ApplyChainPolicy(chain CallChain, sharingEnabled bool) OutboundChain {
	if !sharingEnabled {
		return OutboundChain{}
	}
	c := chain.Clone()
	if c.Nodes == nil {
		c.Nodes = []ChainNode{}
	}
	if c.NodeIDs == nil {
		c.NodeIDs = []string{}
	}
	return OutboundChain{Shared: true, Nodes: c.Nodes, NodeIDs: c.NodeIDs}
}
