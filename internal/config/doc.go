// Package config loads the settings of one replica node.
//
// A config document is YAML (.yaml, .yml) or CUE (.cue). Both are overlaid
// on Default, so a file only names what it changes:
//
//	instance:
//	  id: edge-1
//	gossip:
//	  interval: 500ms
//	transport:
//	  kind: websocket
//	  listen: ":7946"
//	peers:
//	  - id: edge-2
//	    address: 10.0.0.2:7946
//
// YAML is decoded strictly: unknown keys are errors. CUE documents are
// unified with the embedded #Config schema (schema.cue) and must be
// concrete. Durations are Go duration strings in both formats.
//
// Load always validates; Validate reports every failing field at once as
// a *ValidationError.
package config
