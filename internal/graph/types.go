// Package graph defines the workflow graph model: nodes, connections, per-node
// configuration, and the structural queries the engine runs against them.
package graph

// NodeType identifies the fixed behavior of a node
type NodeType string

// Node types, in the order the canvas palette lists them
const (
	TypeVideo      NodeType = "video"
	TypeBrand      NodeType = "brand"
	TypeAnalyze    NodeType = "analyze"
	TypeExtract    NodeType = "extract"
	TypeStyle      NodeType = "style"
	TypeGenerate   NodeType = "generate"
	TypeRefine     NodeType = "refine"
	TypeScript     NodeType = "script"
	TypeStoryboard NodeType = "storyboard"
)

// Kind groups node types by how they obtain their input
type Kind string

// Kind constants
const (
	// KindSource nodes originate content from attached data
	KindSource Kind = "source"
	// KindTransform nodes send upstream content plus a directive to a model
	KindTransform Kind = "transform"
	// KindSink nodes format upstream content into a terminal artifact
	KindSink Kind = "sink"
)

// AllNodeTypes returns every node type in declaration order
func AllNodeTypes() []NodeType {
	return []NodeType{
		TypeVideo, TypeBrand,
		TypeAnalyze, TypeExtract, TypeStyle, TypeGenerate, TypeRefine,
		TypeScript, TypeStoryboard,
	}
}

// Valid reports whether t is one of the nine known node types
func (t NodeType) Valid() bool {
	switch t {
	case TypeVideo, TypeBrand, TypeAnalyze, TypeExtract, TypeStyle,
		TypeGenerate, TypeRefine, TypeScript, TypeStoryboard:
		return true
	}
	return false
}

// Kind returns the processing kind of the node type.
// Unknown types report an empty Kind.
func (t NodeType) Kind() Kind {
	switch t {
	case TypeVideo, TypeBrand:
		return KindSource
	case TypeAnalyze, TypeExtract, TypeStyle, TypeGenerate, TypeRefine:
		return KindTransform
	case TypeScript, TypeStoryboard:
		return KindSink
	}
	return ""
}

// UsesVision reports whether the node type analyzes upstream media directly
// when a predecessor carries a media attachment.
func (t NodeType) UsesVision() bool {
	return t == TypeAnalyze || t == TypeExtract || t == TypeStyle
}

// Output format hints understood by sink nodes
const (
	FormatMarkdown = "markdown"
	FormatPlain    = "plain"
	FormatJSON     = "json"
)

// MediaAttachment references a source video and its descriptive metadata
type MediaAttachment struct {
	ID            int     `json:"id" yaml:"id"`
	Platform      string  `json:"platform,omitempty" yaml:"platform,omitempty"`
	Author        string  `json:"author,omitempty" yaml:"author,omitempty"`
	Description   string  `json:"desc,omitempty" yaml:"desc,omitempty"`
	Views         string  `json:"views,omitempty" yaml:"views,omitempty"`
	ViralityScore float64 `json:"uts,omitempty" yaml:"uts,omitempty" validate:"gte=0,lte=100"`
	Thumbnail     string  `json:"thumb,omitempty" yaml:"thumb,omitempty"`
	URL           string  `json:"url,omitempty" yaml:"url,omitempty"`
	LocalPath     string  `json:"localPath,omitempty" yaml:"localPath,omitempty"`
}

// HasSource reports whether the media can be fetched for native analysis
func (m *MediaAttachment) HasSource() bool {
	return m != nil && (m.URL != "" || m.LocalPath != "")
}

// ViralityLabel buckets the precomputed virality score
func (m *MediaAttachment) ViralityLabel() string {
	switch {
	case m.ViralityScore >= 70:
		return "HIGH"
	case m.ViralityScore >= 40:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// NodeConfig holds per-node overrides set on the canvas
type NodeConfig struct {
	CustomPrompt string `json:"customPrompt,omitempty" yaml:"customPrompt,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	BrandContext string `json:"brandContext,omitempty" yaml:"brandContext,omitempty"`
	OutputFormat string `json:"outputFormat,omitempty" yaml:"outputFormat,omitempty" validate:"omitempty,oneof=markdown plain json"`
}

// Node is a unit of work in the content pipeline
type Node struct {
	ID         int              `json:"id" yaml:"id"`
	Type       NodeType         `json:"type" yaml:"type" validate:"required,nodetype"`
	X          float64          `json:"x,omitempty" yaml:"x,omitempty"`
	Y          float64          `json:"y,omitempty" yaml:"y,omitempty"`
	Media      *MediaAttachment `json:"videoData,omitempty" yaml:"videoData,omitempty" validate:"omitempty"`
	BrandBrief string           `json:"brandBrief,omitempty" yaml:"brandBrief,omitempty"`
	Config     *NodeConfig      `json:"config,omitempty" yaml:"config,omitempty" validate:"omitempty"`
}

// Settings returns the node config, or a zero config when none is set
func (n *Node) Settings() NodeConfig {
	if n.Config == nil {
		return NodeConfig{}
	}
	return *n.Config
}

// Connection is a directed dependency edge between two nodes
type Connection struct {
	From int `json:"from" yaml:"from"`
	To   int `json:"to" yaml:"to"`
}

// Graph is the full node and connection input to one execution
type Graph struct {
	Nodes        []Node       `json:"nodes" yaml:"nodes" validate:"dive"`
	Connections  []Connection `json:"connections" yaml:"connections"`
	BrandContext string       `json:"brand_context,omitempty" yaml:"brand_context,omitempty"`
	Locale       string       `json:"language,omitempty" yaml:"language,omitempty"`
	WorkflowID   *int         `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	WorkflowName string       `json:"workflow_name,omitempty" yaml:"workflow_name,omitempty"`
}

// NodeResult is the outcome of one executed node
type NodeResult struct {
	NodeID   int      `json:"node_id"`
	NodeType NodeType `json:"node_type"`
	Content  string   `json:"content"`
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
}
