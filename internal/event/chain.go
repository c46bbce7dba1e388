package event

import (
	"github.com/fyrsmithlabs/runtimed/internal/faults"
)

// Chain limits applied when events spawn further events.
const (
	DefaultMaxEventDepth       = 64
	DefaultMaxEventChainLength = 256
)

// Derive builds a follow-up event caused by parent. Tenant, execution,
// correlation and thread carry over unless opts sets them.
func Derive(parent Event, typ string, data any, opts EmitOptions) (Event, error) {
	if opts.TenantID == "" {
		opts.TenantID = parent.Metadata.TenantID
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = parent.Metadata.ExecutionID
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = parent.Metadata.CorrelationID
	}
	if opts.ThreadID == "" {
		opts.ThreadID = parent.ThreadID
	}
	if opts.DeliveryGuarantee == "" {
		opts.DeliveryGuarantee = parent.Metadata.DeliveryGuarantee
	}

	child, err := New(typ, data, opts)
	if err != nil {
		return Event{}, err
	}
	child.Metadata.CausationID = parent.ID
	child.Metadata.Depth = parent.Metadata.Depth + 1
	lineage := make([]string, 0, len(parent.Metadata.Lineage)+1)
	lineage = append(lineage, parent.Metadata.Lineage...)
	child.Metadata.Lineage = append(lineage, parent.Signature())
	return child, nil
}

// CheckChain validates the causal chain of ev. A non-positive limit disables
// that check.
func CheckChain(ev Event, maxDepth, maxChainLength int) error {
	md := ev.Metadata
	if maxDepth > 0 && md.Depth > maxDepth {
		return faults.New(faults.EventLoopDetected, "event %s depth %d exceeds %d", ev.Type, md.Depth, maxDepth)
	}
	if maxChainLength > 0 && len(md.Lineage) >= maxChainLength {
		return faults.New(faults.EventChainTooLong, "event %s chain length %d reaches %d", ev.Type, len(md.Lineage), maxChainLength)
	}
	sig := ev.Signature()
	for _, s := range md.Lineage {
		if s == sig {
			return faults.New(faults.EventLoopDetected, "event %s repeats an ancestor with identical payload", ev.Type)
		}
	}
	return nil
}
