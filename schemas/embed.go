// Package schemas holds the JSON Schema documents shipped with the engine.
package schemas

import _ "embed"

// WorkflowGraphFile is the file name of the graph document schema
const WorkflowGraphFile = "workflow_graph.schema.json"

// WorkflowGraph is the JSON Schema for workflow graph documents
//
//go:embed workflow_graph.schema.json
var WorkflowGraph string
