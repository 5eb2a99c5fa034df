package btree

import (
	"bytes"
	"sort"

	"github.com/intellect4all/cowkv/page"
)

// splitLeaf splits a full leaf page, which already holds node's would-be
// slot position overflowing it, into the original page plus a freshly
// allocated right sibling (spec.md §4.4 split algorithm, steps 1 and 4-5;
// the sequential-insert fast path of step 3 is not implemented — see
// DESIGN.md).
func (t *Tree) splitLeaf(src PageSource, left *page.Page, node *page.Node) (*splitResult, error) {
	entries, err := collectNodes(left)
	if err != nil {
		return nil, err
	}
	entries = insertSorted(entries, node)

	right, err := src.AllocatePage(page.FlagLeaf)
	if err != nil {
		return nil, err
	}

	splitIdx := len(entries) / 2
	left.Reset()
	for i := 0; i < splitIdx; i++ {
		if err := left.InsertAt(uint16(i), entries[i]); err != nil {
			return nil, err
		}
	}
	for i := splitIdx; i < len(entries); i++ {
		if err := right.InsertAt(uint16(i-splitIdx), entries[i]); err != nil {
			return nil, err
		}
	}
	t.PageCount++

	return &splitResult{SeparatorKey: entries[splitIdx].Key, RightPage: right.No()}, nil
}

// splitBranch splits a full branch page after ref has been found not to
// fit. The middle separator is promoted to the parent; the branch's
// first entry on both halves keeps the "before all keys" sentinel
// (invariant 3; spec.md §4.4 step 5).
func (t *Tree) splitBranch(src PageSource, left *page.Page, ref *page.Node) (*splitResult, error) {
	entries, err := collectNodes(left)
	if err != nil {
		return nil, err
	}
	entries = insertSorted(entries, ref)

	right, err := src.AllocatePage(page.FlagBranch)
	if err != nil {
		return nil, err
	}

	mid := len(entries) / 2
	middle := entries[mid]

	left.Reset()
	for i := 0; i < mid; i++ {
		if err := left.InsertAt(uint16(i), entries[i]); err != nil {
			return nil, err
		}
	}

	rightEntries := append([]*page.Node{{Kind: page.KindPageRef, Key: page.SentinelKey, Child: middle.Child}}, entries[mid+1:]...)
	for i, n := range rightEntries {
		if err := right.InsertAt(uint16(i), n); err != nil {
			return nil, err
		}
	}
	t.PageCount++

	return &splitResult{SeparatorKey: middle.Key, RightPage: right.No()}, nil
}

func collectNodes(p *page.Page) ([]*page.Node, error) {
	n := p.NumEntries()
	out := make([]*page.Node, 0, n)
	for i := uint16(0); i < n; i++ {
		node, err := p.NodeAt(i)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}

// insertSorted inserts n into a key-sorted slice, keeping the invariant
// that entry 0 (for branch pages) is whatever key sorts first — the
// sentinel, if present, already sorts first since it is the empty key.
func insertSorted(entries []*page.Node, n *page.Node) []*page.Node {
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, n.Key) >= 0
	})
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = n
	return entries
}
