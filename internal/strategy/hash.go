package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// EnsureHashes fills in the content hash of every node in the subtree that
// does not carry one from the document. Hashes are computed post-order so a
// parent's hash covers its children. Explicit document hashes are kept
// untouched so cache entries written by other producers stay addressable.
func EnsureHashes(n *Node) {
	for _, child := range n.Sequence {
		EnsureHashes(child)
	}

	for _, key := range n.BranchKeys {
		for _, child := range n.Branches[key] {
			EnsureHashes(child)
		}
	}

	if n.Hash == "" {
		n.Hash = contentHash(n)
	}
}

// contentHash derives a deterministic identity from the node's kind, payload
// and child hashes. Two structurally identical subtrees hash the same
// regardless of document formatting.
func contentHash(n *Node) string {
	var b strings.Builder

	b.WriteString(n.Kind.String())
	b.WriteByte('|')
	b.WriteString(n.Name)
	b.WriteByte('|')
	b.WriteString(payloadString(n))

	for _, child := range n.Sequence {
		b.WriteByte('|')
		b.WriteString(child.Hash)
	}

	for _, key := range n.BranchKeys {
		b.WriteByte('|')
		b.WriteString(key)
		b.WriteByte(':')
		for _, child := range n.Branches[key] {
			b.WriteString(child.Hash)
			b.WriteByte(',')
		}
	}

	sum := sha256.Sum256([]byte(b.String()))

	return hex.EncodeToString(sum[:])
}

func payloadString(n *Node) string {
	switch {
	case n.Stock != nil:
		return n.Stock.Symbol
	case n.Condition != nil:
		c := n.Condition
		return fmt.Sprintf("%s;%s,%s,%d;%s,%s,%d",
			c.Comparator,
			c.X.Indicator, c.X.Source, c.X.Period,
			c.Y.Indicator, c.Y.Source, c.Y.Period)
	case n.Sort != nil:
		s := n.Sort
		return fmt.Sprintf("%s,%d;%s,%d", s.Select, s.Count, s.SortBy, s.Window)
	case n.Allocation != nil:
		a := n.Allocation
		parts := []string{fmt.Sprintf("%s,%d", a.Function, a.Period)}

		keys := make([]string, 0, len(a.Manual))
		for key := range a.Manual {
			keys = append(keys, key)
		}

		sort.Strings(keys)
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%g", key, a.Manual[key]))
		}

		return strings.Join(parts, ";")
	default:
		return ""
	}
}
