package btree

import (
	"errors"

	"github.com/intellect4all/cowkv/page"
)

// MultiAdd inserts value into the set of values held under parentKey,
// creating the set (and promoting a plain Data entry into one, if
// parentKey already held a single value) on first use (spec.md §4.4
// "Multi-value trees"). The sub-tree's keys are the values themselves,
// which is what lets one parentKey hold any number of distinct values and
// what gives multi_iterator its natural sort order; adding a value that is
// already in the set leaves a single entry for it.
func (t *Tree) MultiAdd(src PageSource, parentKey, value []byte) error {
	if len(parentKey) == 0 {
		return ErrKeyEmpty
	}

	existing, _, _, err := t.findLeafNode(src, parentKey)
	switch {
	case err == nil:
		sub, convertErr := t.subtreeFor(src, existing)
		if convertErr != nil {
			return convertErr
		}
		if _, err := sub.Add(src, value, nil); err != nil {
			return err
		}
		node := &page.Node{Kind: page.KindMultiValuePageRef, Key: parentKey, Version: src.NextVersion(), SubtreeRoot: sub.Root}
		_, err := t.upsertNode(src, node)
		return err

	case errors.Is(err, ErrKeyNotFound):
		sub, err := New(src, "")
		if err != nil {
			return err
		}
		if _, err := sub.Add(src, value, nil); err != nil {
			return err
		}
		node := &page.Node{Kind: page.KindMultiValuePageRef, Key: parentKey, Version: src.NextVersion(), SubtreeRoot: sub.Root}
		_, err = t.upsertNode(src, node)
		return err

	default:
		return err
	}
}

// subtreeFor returns the sub-tree a MultiValuePageRef node already
// points to, or creates one seeded with a plain Data node's prior value
// (converting a single-valued entry into a set, in place).
func (t *Tree) subtreeFor(src PageSource, n *page.Node) (*Tree, error) {
	if n.Kind == page.KindMultiValuePageRef {
		return &Tree{Root: n.SubtreeRoot, Depth: 1}, nil
	}
	sub, err := New(src, "")
	if err != nil {
		return nil, err
	}
	oldVal, err := t.materialize(src, n)
	if err != nil {
		return nil, err
	}
	if _, err := sub.Add(src, oldVal, nil); err != nil {
		return nil, err
	}
	return sub, nil
}

// MultiDelete removes value from the set held under parentKey. Reports
// whether it was present.
func (t *Tree) MultiDelete(src PageSource, parentKey, value []byte) (bool, error) {
	existing, _, _, err := t.findLeafNode(src, parentKey)
	if err != nil {
		return false, err
	}
	if existing.Kind != page.KindMultiValuePageRef {
		return false, ErrNotMultiNode
	}
	sub := &Tree{Root: existing.SubtreeRoot, Depth: 1}
	existed, err := sub.Delete(src, value)
	if err != nil {
		return false, err
	}
	if existed {
		node := &page.Node{Kind: page.KindMultiValuePageRef, Key: parentKey, Version: src.NextVersion(), SubtreeRoot: sub.Root}
		if _, err := t.upsertNode(src, node); err != nil {
			return false, err
		}
	}
	return existed, nil
}

// MultiIterator returns a cursor over the values stored under parentKey.
func (t *Tree) MultiIterator(src PageSource, parentKey []byte) (*Cursor, error) {
	existing, _, _, err := t.findLeafNode(src, parentKey)
	if err != nil {
		return nil, err
	}
	if existing.Kind != page.KindMultiValuePageRef {
		return nil, ErrNotMultiNode
	}
	sub := &Tree{Root: existing.SubtreeRoot, Depth: 1}
	c := sub.Cursor(src)
	if err := c.Seek(nil); err != nil {
		return nil, err
	}
	return c, nil
}
