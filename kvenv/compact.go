package kvenv

import "github.com/intellect4all/cowkv/btree"

// Compact rebuilds the root tree's own structural pages (its branch and
// leaf nodes) into a freshly allocated, densely packed copy, and returns
// every page the old structure occupied to the active free-space bitmap.
// It carries every entry forward untouched via Tree.CloneEntry, so
// overflow chains and multi-value sub-trees — which live in the same page
// number space but are referenced only through an entry's value, not
// walked as part of the tree's own shape — are left exactly where they
// are. This is what reclaims the space the "pages only shrink, never
// reclaim" simplification (DESIGN.md) otherwise leaves allocated forever
// after heavy deletion.
func (env *Environment) Compact() error {
	wtx, err := env.NewTransaction(false)
	if err != nil {
		return err
	}

	oldRoot := wtx.root
	var oldPages []uint32
	if err := btree.WalkPages(wtx.tx, &oldRoot, func(pn uint32) error {
		oldPages = append(oldPages, pn)
		return nil
	}); err != nil {
		wtx.Rollback()
		return err
	}

	newTree, err := btree.New(wtx.tx, "")
	if err != nil {
		wtx.Rollback()
		return err
	}

	c := oldRoot.Cursor(wtx.tx)
	if err := c.Seek(nil); err != nil {
		wtx.Rollback()
		return err
	}
	for c.Valid() {
		n, err := c.Node()
		if err != nil {
			wtx.Rollback()
			return err
		}
		if _, err := newTree.CloneEntry(wtx.tx, n); err != nil {
			wtx.Rollback()
			return err
		}
		c.Next()
	}
	if err := c.Error(); err != nil {
		wtx.Rollback()
		return err
	}

	for _, pn := range oldPages {
		wtx.tx.FreePage(pn)
	}

	wtx.root = *newTree
	return wtx.Commit()
}
