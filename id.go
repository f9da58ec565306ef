package quota

import "github.com/xraph/quota/id"

// ID is the identifier type of payments, earnings and usage events.
type ID = id.ID

// Prefix identifies the record type encoded in a TypeID.
type Prefix = id.Prefix
