package metering

import "github.com/resumly/metering/types"

// Re-export common types for convenience so users don't have to import
// the types package.

// Entity is re-exported from the types package.
type Entity = types.Entity

// NewEntity is the Entity constructor.
var NewEntity = types.NewEntity
