// Package btree implements the copy-on-write B+tree described in
// spec.md §4.4: an ordered map over byte-string keys supporting point
// lookup, range cursors, insert/delete with page splits, and a
// multi-value sub-tree construct. It generalizes the teacher engine's
// in-place btree.go/split.go/node.go (which mutate pages where they sit
// and log byte ranges to a physical WAL) into true copy-on-write: any
// page a mutation touches is reallocated under a new page number, and
// every ancestor on the path back to the root is rewritten to point at
// the new number.
//
// The tree itself is stateless storage (a root page number, depth, and
// counts); all page access goes through a PageSource, which the txn
// package implements, so this package has no dependency on transactions
// or the journal.
package btree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/intellect4all/cowkv/page"
)

var (
	ErrKeyNotFound  = errors.New("btree: key not found")
	ErrKeyEmpty     = errors.New("btree: key cannot be empty")
	ErrNotMultiNode = errors.New("btree: key does not hold a multi-value set")
)

// UpsertOutcome replaces exception-style duplicate-key handling (spec.md
// §9 design notes) with an explicit result the caller can branch on.
type UpsertOutcome int

const (
	Inserted UpsertOutcome = iota
	Replaced
)

// PageSource is everything the tree needs from its owning transaction:
// read-through-dirty-map lookups, copy-on-write relocation, allocation,
// and overflow value storage. Implemented by *txn.Transaction.
type PageSource interface {
	GetPage(pageNo uint32) (*page.Page, error)
	ModifyPage(pageNo uint32) (*page.Page, error)
	AllocatePage(flags byte) (*page.Page, error)
	FreePage(pageNo uint32)

	AllocateOverflow(data []byte) (startPage uint32, err error)
	ReadOverflow(startPage uint32, length int) ([]byte, error)
	FreeOverflow(startPage uint32, length int)

	NextVersion() uint32
}

// OverflowThreshold is the inline-value size above which a Data node
// stores its payload in an overflow chain instead of in the page itself
// (spec.md §3 "Overflow chain").
const OverflowThreshold = page.Size / 4

// Tree is the persisted shape of one ordered map (spec.md §3 Tree): the
// root tree (Name == "") or a named tree living inside it.
type Tree struct {
	Name       string
	Root       uint32
	Depth      uint32
	PageCount  uint64
	EntryCount uint64
}

// New creates an empty tree: a single empty leaf page.
func New(src PageSource, name string) (*Tree, error) {
	leaf, err := src.AllocatePage(page.FlagLeaf)
	if err != nil {
		return nil, err
	}
	return &Tree{Name: name, Root: leaf.No(), Depth: 1, PageCount: 1}, nil
}

// Get returns the value stored for key, resolving overflow chains
// transparently. Returns ErrKeyNotFound if absent, ErrNotMultiNode if the
// caller should have used the multi-value API instead.
func (t *Tree) Get(src PageSource, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyEmpty
	}
	n, _, _, err := t.findLeafNode(src, key)
	if err != nil {
		return nil, err
	}
	if n.Kind == KindMultiValuePageRef() {
		return nil, ErrNotMultiNode
	}
	return t.materialize(src, n)
}

func (t *Tree) materialize(src PageSource, n *page.Node) ([]byte, error) {
	if !n.Overflow {
		return n.Value, nil
	}
	return src.ReadOverflow(n.OverflowPage, n.OverflowLength)
}

// findLeafNode descends to the leaf that would contain key and returns
// its node plus the leaf's page number and slot index.
func (t *Tree) findLeafNode(src PageSource, key []byte) (*page.Node, uint32, uint16, error) {
	pageNo := t.Root
	for {
		pg, err := src.GetPage(pageNo)
		if err != nil {
			return nil, 0, 0, err
		}
		if pg.IsLeaf() {
			idx := pg.Search(key)
			if idx >= 0 {
				return nil, 0, 0, ErrKeyNotFound
			}
			slot := uint16(-idx - 1)
			n, err := pg.NodeAt(slot)
			if err != nil {
				return nil, 0, 0, err
			}
			return n, pageNo, slot, nil
		}
		pageNo = t.childFor(pg, key)
	}
}

// childFor returns the child page number a branch page routes key to.
// Branch entry i (for i>0) means "keys >= entry[i].Key go to entry[i].Child";
// entry 0 always carries the sentinel "before all keys" key, so it is the
// fallback for keys smaller than every other separator.
func (t *Tree) childFor(pg *page.Page, key []byte) uint32 {
	n := pg.NumEntries()
	best := uint32(0)
	for i := uint16(0); i < n; i++ {
		node, err := pg.NodeAt(i)
		if err != nil {
			continue
		}
		if i == 0 {
			best = node.Child
			continue
		}
		if bytes.Compare(key, node.Key) >= 0 {
			best = node.Child
		} else {
			break
		}
	}
	return best
}

// childIndexFor is childFor's sibling: it also reports which directory
// slot was chosen, so a Cursor can resume from that slot on Next().
func (t *Tree) childIndexFor(pg *page.Page, key []byte) (uint16, uint32) {
	n := pg.NumEntries()
	var bestIdx uint16
	var bestChild uint32
	for i := uint16(0); i < n; i++ {
		node, err := pg.NodeAt(i)
		if err != nil {
			continue
		}
		if i == 0 {
			bestIdx, bestChild = 0, node.Child
			continue
		}
		if bytes.Compare(key, node.Key) >= 0 {
			bestIdx, bestChild = i, node.Child
		} else {
			break
		}
	}
	return bestIdx, bestChild
}

// KindMultiValuePageRef is a tiny indirection so tree.go doesn't need to
// import page's constant namespace directly in comparisons scattered
// around the file.
func KindMultiValuePageRef() byte { return page.KindMultiValuePageRef }

// Add upserts key→value, returning whether this was a fresh insert or a
// replace, per spec.md §9's explicit-result design note.
func (t *Tree) Add(src PageSource, key, value []byte) (UpsertOutcome, error) {
	if len(key) == 0 {
		return 0, ErrKeyEmpty
	}

	node, err := t.buildDataNode(src, key, value)
	if err != nil {
		return 0, err
	}
	return t.upsertNode(src, node)
}

// CloneEntry reinserts an existing node's full entry representation —
// Kind, overflow chain pointers, and SubtreeRoot included — under a fresh
// Version, without touching whatever page(s) that entry references. Used
// by a caller rebuilding a tree's own structural pages (e.g. compaction)
// that wants to carry every entry forward untouched rather than rebuild
// it from a flattened key/value pair the way Add would.
func (t *Tree) CloneEntry(src PageSource, n *page.Node) (UpsertOutcome, error) {
	clone := &page.Node{
		Kind:           n.Kind,
		Key:            n.Key,
		Version:        src.NextVersion(),
		Value:          n.Value,
		Overflow:       n.Overflow,
		OverflowPage:   n.OverflowPage,
		OverflowLength: n.OverflowLength,
		SubtreeRoot:    n.SubtreeRoot,
	}
	return t.upsertNode(src, clone)
}

// upsertNode drives a single node through insert() and, if the root had
// to split, wraps it in a new root. Shared by Add and MultiAdd.
func (t *Tree) upsertNode(src PageSource, node *page.Node) (UpsertOutcome, error) {
	newRoot, split, outcome, err := t.insert(src, t.Root, node)
	if err != nil {
		return 0, err
	}
	if split != nil {
		if err := t.growRoot(src, newRoot, split); err != nil {
			return 0, err
		}
	} else {
		t.Root = newRoot
	}
	if outcome == Inserted {
		t.EntryCount++
	}
	return outcome, nil
}

func (t *Tree) buildDataNode(src PageSource, key, value []byte) (*page.Node, error) {
	n := &page.Node{Kind: page.KindData, Key: key, Version: src.NextVersion()}
	if len(value) > OverflowThreshold {
		start, err := src.AllocateOverflow(value)
		if err != nil {
			return nil, err
		}
		n.Overflow = true
		n.OverflowPage = start
		n.OverflowLength = len(value)
	} else {
		n.Value = value
	}
	return n, nil
}

// splitResult carries a newly allocated right sibling's separator key and
// page number up to the caller, exactly mirroring the teacher's
// SplitResult but produced by a CoW split instead of an in-place one.
type splitResult struct {
	SeparatorKey []byte
	RightPage    uint32
}

// insert descends to the page that should hold node, copy-on-writing
// every page on the path. It returns this subtree's (possibly new) root
// page number and, if this level had to split, the separator to push to
// the parent.
func (t *Tree) insert(src PageSource, pageNo uint32, node *page.Node) (uint32, *splitResult, UpsertOutcome, error) {
	orig, err := src.GetPage(pageNo)
	if err != nil {
		return 0, nil, 0, err
	}

	if orig.IsLeaf() {
		return t.insertIntoLeaf(src, pageNo, node)
	}

	childNo := t.childFor(orig, node.Key)
	newChildNo, childSplit, outcome, err := t.insert(src, childNo, node)
	if err != nil {
		return 0, nil, 0, err
	}

	cow, err := src.ModifyPage(pageNo)
	if err != nil {
		return 0, nil, 0, err
	}
	if err := rewriteChildRef(cow, childNo, newChildNo); err != nil {
		return 0, nil, 0, err
	}

	if childSplit == nil {
		return cow.No(), nil, outcome, nil
	}

	ref := &page.Node{Kind: page.KindPageRef, Key: childSplit.SeparatorKey, Child: childSplit.RightPage}
	idx := cow.Search(ref.Key)
	if idx < 0 {
		idx = -idx - 1 // defensive: separators should never collide
	}
	if !cow.IsFull(ref) {
		if err := cow.InsertAt(uint16(idx), ref); err != nil {
			return 0, nil, 0, err
		}
		return cow.No(), nil, outcome, nil
	}

	sr, err := t.splitBranch(src, cow, ref)
	if err != nil {
		return 0, nil, 0, err
	}
	return cow.No(), sr, outcome, nil
}

// rewriteChildRef updates the branch entry whose Child equals oldNo to
// point at newNo (CoW propagation, even when the child didn't split).
func rewriteChildRef(branch *page.Page, oldNo, newNo uint32) error {
	if oldNo == newNo {
		return nil
	}
	n := branch.NumEntries()
	for i := uint16(0); i < n; i++ {
		node, err := branch.NodeAt(i)
		if err != nil {
			return err
		}
		if node.Child == oldNo {
			node.Child = newNo
			return branch.ReplaceAt(i, node)
		}
	}
	return fmt.Errorf("btree: child page %d not referenced by branch %d", oldNo, branch.No())
}

func (t *Tree) insertIntoLeaf(src PageSource, pageNo uint32, node *page.Node) (uint32, *splitResult, UpsertOutcome, error) {
	cow, err := src.ModifyPage(pageNo)
	if err != nil {
		return 0, nil, 0, err
	}

	idx := cow.Search(node.Key)
	outcome := Inserted
	if idx < 0 {
		outcome = Replaced
		slot := uint16(-idx - 1)
		existing, _ := cow.NodeAt(slot)
		if existing != nil && existing.Overflow {
			src.FreeOverflow(existing.OverflowPage, existing.OverflowLength)
		}
		if err := cow.ReplaceAt(slot, node); err == nil {
			return cow.No(), nil, outcome, nil
		} else if !errors.Is(err, page.ErrPageFull) {
			return 0, nil, 0, err
		}
		// Didn't fit back in place after delete+reinsert; fall through to split.
		sr, err := t.splitLeaf(src, cow, node)
		if err != nil {
			return 0, nil, 0, err
		}
		return cow.No(), sr, outcome, nil
	}

	slot := uint16(idx)
	if !cow.IsFull(node) {
		if err := cow.InsertAt(slot, node); err != nil {
			return 0, nil, 0, err
		}
		return cow.No(), nil, outcome, nil
	}

	sr, err := t.splitLeaf(src, cow, node)
	if err != nil {
		return 0, nil, 0, err
	}
	return cow.No(), sr, outcome, nil
}

// growRoot wraps the current (possibly just-split) root in a fresh branch
// page, incrementing the tree's depth (spec.md §4.4 step 2 of the split
// algorithm).
func (t *Tree) growRoot(src PageSource, leftRoot uint32, split *splitResult) error {
	newRoot, err := src.AllocatePage(page.FlagBranch)
	if err != nil {
		return err
	}
	if err := newRoot.InsertAt(0, &page.Node{Kind: page.KindPageRef, Key: page.SentinelKey, Child: leftRoot}); err != nil {
		return err
	}
	if err := newRoot.InsertAt(1, &page.Node{Kind: page.KindPageRef, Key: split.SeparatorKey, Child: split.RightPage}); err != nil {
		return err
	}
	t.Root = newRoot.No()
	t.Depth++
	t.PageCount++
	return nil
}

// Delete removes key, reporting whether it existed. No underflow
// rebalancing (merge/redistribute) is performed; see DESIGN.md for the
// scoping rationale.
func (t *Tree) Delete(src PageSource, key []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrKeyEmpty
	}
	newRoot, existed, err := t.delete(src, t.Root, key)
	if err != nil {
		return false, err
	}
	t.Root = newRoot
	if existed {
		t.EntryCount--
	}
	return existed, nil
}

func (t *Tree) delete(src PageSource, pageNo uint32, key []byte) (uint32, bool, error) {
	orig, err := src.GetPage(pageNo)
	if err != nil {
		return 0, false, err
	}

	if orig.IsLeaf() {
		idx := orig.Search(key)
		if idx >= 0 {
			return pageNo, false, nil
		}
		cow, err := src.ModifyPage(pageNo)
		if err != nil {
			return 0, false, err
		}
		slot := uint16(-idx - 1)
		existing, _ := cow.NodeAt(slot)
		if existing != nil {
			if existing.Overflow {
				src.FreeOverflow(existing.OverflowPage, existing.OverflowLength)
			}
			if existing.Kind == page.KindMultiValuePageRef {
				// existing.SubtreeRoot and every page under it are orphaned
				// here, not freed: no rebalancing pass walks a deleted
				// entry's own former subtree to reclaim it (DESIGN.md
				// "multi-value sub-tree orphaning on delete").
				_ = existing.SubtreeRoot
			}
		}
		if err := cow.DeleteAt(slot); err != nil {
			return 0, false, err
		}
		return cow.No(), true, nil
	}

	childNo := t.childFor(orig, key)
	newChildNo, existed, err := t.delete(src, childNo, key)
	if err != nil {
		return 0, false, err
	}
	if !existed {
		return pageNo, false, nil
	}
	cow, err := src.ModifyPage(pageNo)
	if err != nil {
		return 0, false, err
	}
	if err := rewriteChildRef(cow, childNo, newChildNo); err != nil {
		return 0, false, err
	}
	return cow.No(), true, nil
}
