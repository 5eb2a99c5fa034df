package btree

import (
	"github.com/intellect4all/cowkv/common"
	"github.com/intellect4all/cowkv/page"
)

var _ common.Iterator = (*Cursor)(nil)

// cursorFrame is one (page, search position) pair, per spec.md §3 Cursor:
// for a branch frame, pos is the directory slot currently descended
// into; for the leaf frame at the top, pos is the current entry index.
type cursorFrame struct {
	pageNo uint32
	pos    uint16
}

// Cursor walks a Tree in key order from a seek point, scoped to one
// transaction/PageSource and invalidated once that transaction ends.
type Cursor struct {
	src  PageSource
	tree *Tree

	stack   []cursorFrame
	started bool
	done    bool
	err     error
}

// Cursor returns a fresh cursor over t, not yet positioned.
func (t *Tree) Cursor(src PageSource) *Cursor {
	return &Cursor{src: src, tree: t}
}

// Seek positions the cursor at the first key >= key (or at the very
// first key, if key is empty).
func (c *Cursor) Seek(key []byte) error {
	c.stack = c.stack[:0]
	c.done = false
	c.err = nil

	pageNo := c.tree.Root
	for {
		pg, err := c.src.GetPage(pageNo)
		if err != nil {
			c.err = err
			return err
		}
		if pg.IsLeaf() {
			var slot uint16
			if len(key) == 0 {
				slot = 0
			} else {
				idx := pg.Search(key)
				if idx >= 0 {
					slot = uint16(idx)
				} else {
					slot = uint16(-idx - 1)
				}
			}
			c.stack = append(c.stack, cursorFrame{pageNo: pageNo, pos: slot})
			c.started = true
			if slot < pg.NumEntries() || slot == 0 {
				c.done = slot >= pg.NumEntries()
				return nil
			}
			// Every key on this leaf sorts before key: step back onto the
			// leaf's last entry and let Next move into the following leaf.
			c.stack[len(c.stack)-1].pos = slot - 1
			c.Next()
			return c.err
		}

		var idx uint16
		var child uint32
		if len(key) == 0 {
			idx, child = 0, firstChild(pg)
		} else {
			idx, child = c.tree.childIndexFor(pg, key)
		}
		c.stack = append(c.stack, cursorFrame{pageNo: pageNo, pos: idx})
		pageNo = child
	}
}

func firstChild(pg *page.Page) uint32 {
	n, err := pg.NodeAt(0)
	if err != nil {
		return 0
	}
	return n.Child
}

// Valid reports whether the cursor currently sits on an entry.
func (c *Cursor) Valid() bool { return c.started && !c.done && c.err == nil }

// Next advances the cursor to the following key, returning false once
// the tree is exhausted or an error occurred.
func (c *Cursor) Next() bool {
	if !c.started || c.done || c.err != nil || len(c.stack) == 0 {
		return false
	}

	top := &c.stack[len(c.stack)-1]
	pg, err := c.src.GetPage(top.pageNo)
	if err != nil {
		c.err = err
		return false
	}
	top.pos++
	if top.pos < pg.NumEntries() {
		return true
	}

	for len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
		parent := &c.stack[len(c.stack)-1]
		ppg, err := c.src.GetPage(parent.pageNo)
		if err != nil {
			c.err = err
			return false
		}
		parent.pos++
		if parent.pos < ppg.NumEntries() {
			node, err := ppg.NodeAt(parent.pos)
			if err != nil {
				c.err = err
				return false
			}
			return c.descendLeftmost(node.Child)
		}
	}

	c.done = true
	return false
}

func (c *Cursor) descendLeftmost(pageNo uint32) bool {
	for {
		pg, err := c.src.GetPage(pageNo)
		if err != nil {
			c.err = err
			return false
		}
		if pg.IsLeaf() {
			c.stack = append(c.stack, cursorFrame{pageNo: pageNo, pos: 0})
			if pg.NumEntries() == 0 {
				c.done = true
				return false
			}
			return true
		}
		c.stack = append(c.stack, cursorFrame{pageNo: pageNo, pos: 0})
		pageNo = firstChild(pg)
	}
}

func (c *Cursor) currentNode() (*page.Node, error) {
	if len(c.stack) == 0 {
		return nil, ErrKeyNotFound
	}
	top := c.stack[len(c.stack)-1]
	pg, err := c.src.GetPage(top.pageNo)
	if err != nil {
		return nil, err
	}
	return pg.NodeAt(top.pos)
}

// Node returns the current entry's raw node, Kind and all — for callers
// that need to carry an entry forward verbatim (e.g. compaction via
// Tree.CloneEntry) rather than go through the flattened Key()/Value()
// view.
func (c *Cursor) Node() (*page.Node, error) {
	n, err := c.currentNode()
	if err != nil {
		c.err = err
		return nil, err
	}
	return n, nil
}

// Key returns the current entry's key.
func (c *Cursor) Key() []byte {
	n, err := c.currentNode()
	if err != nil {
		c.err = err
		return nil
	}
	return n.Key
}

// Value returns the current entry's value, resolving overflow chains.
func (c *Cursor) Value() []byte {
	n, err := c.currentNode()
	if err != nil {
		c.err = err
		return nil
	}
	v, err := c.tree.materialize(c.src, n)
	if err != nil {
		c.err = err
		return nil
	}
	return v
}

// Error returns the first error the cursor encountered, if any.
func (c *Cursor) Error() error { return c.err }

// Close releases the cursor (no-op: it owns no resources beyond the
// transaction it was scoped to).
func (c *Cursor) Close() error { return nil }
