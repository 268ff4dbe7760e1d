package models

// BulkRequestItem is one entry of a bulk submission, in input order.
type BulkRequestItem struct {
	Type    CheckType
	Payload Payload
}

// BulkProgress is the aggregate view of a group.
type BulkProgress struct {
	Total    int
	Complete int
}

// Done reports whether every item in the group is terminal.
func (p BulkProgress) Done() bool {
	return p.Total > 0 && p.Complete >= p.Total
}

// BulkItem is one row of a group's results.
type BulkItem struct {
	CheckID  string
	Sequence int
	Type     CheckType
	Status   Status
	Payload  Payload
}
