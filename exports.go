package quota

import "github.com/xraph/quota/types"

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Money constructors
var (
	Stars = types.Stars
	USD   = types.USD
	Zero  = types.Zero
	Sum   = types.Sum
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
