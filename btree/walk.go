package btree

// WalkPages visits every page number that is part of t's own structural
// shape — its branch and leaf pages — depth-first. It does not follow
// overflow chains or multi-value sub-tree roots: those pages are owned by
// whichever entry references them, not by this tree's own nodes, so a
// caller reclaiming t's structural pages (e.g. compaction) must leave
// them alone.
func WalkPages(src PageSource, t *Tree, fn func(pageNo uint32) error) error {
	if t.Depth == 0 && t.Root == 0 {
		return nil
	}
	return walkPage(src, t.Root, fn)
}

func walkPage(src PageSource, pageNo uint32, fn func(pageNo uint32) error) error {
	pg, err := src.GetPage(pageNo)
	if err != nil {
		return err
	}
	if err := fn(pageNo); err != nil {
		return err
	}
	if pg.IsLeaf() {
		return nil
	}
	for i := uint16(0); i < pg.NumEntries(); i++ {
		n, err := pg.NodeAt(i)
		if err != nil {
			return err
		}
		if err := walkPage(src, n.Child, fn); err != nil {
			return err
		}
	}
	return nil
}
