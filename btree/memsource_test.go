package btree

import (
	"github.com/intellect4all/cowkv/page"
)

// memSource is a minimal in-memory PageSource for exercising the tree in
// isolation, standing in for *txn.Transaction the way the teacher's
// btree_test.go stands up a Pager directly against a temp file.
type memSource struct {
	pages    map[uint32]*page.Page
	overflow map[uint32][]byte
	nextPage uint32
	nextOvf  uint32
	version  uint32
}

func newMemSource() *memSource {
	return &memSource{
		pages:    make(map[uint32]*page.Page),
		overflow: make(map[uint32][]byte),
		nextPage: 1,
		nextOvf:  1 << 20,
	}
}

func (m *memSource) GetPage(no uint32) (*page.Page, error) {
	p, ok := m.pages[no]
	if !ok {
		return nil, page.ErrNodeNotFound
	}
	return p, nil
}

func (m *memSource) ModifyPage(no uint32) (*page.Page, error) {
	orig, ok := m.pages[no]
	if !ok {
		return nil, page.ErrNodeNotFound
	}
	newNo := m.nextPage
	m.nextPage++
	cp := orig.Clone(newNo)
	m.pages[newNo] = cp
	delete(m.pages, no)
	return cp, nil
}

func (m *memSource) AllocatePage(flags byte) (*page.Page, error) {
	no := m.nextPage
	m.nextPage++
	p := page.New(no, flags)
	m.pages[no] = p
	return p, nil
}

func (m *memSource) FreePage(no uint32) {
	delete(m.pages, no)
}

func (m *memSource) AllocateOverflow(data []byte) (uint32, error) {
	start := m.nextOvf
	m.nextOvf++
	cp := make([]byte, len(data))
	copy(cp, data)
	m.overflow[start] = cp
	return start, nil
}

func (m *memSource) ReadOverflow(start uint32, length int) ([]byte, error) {
	data, ok := m.overflow[start]
	if !ok {
		return nil, page.ErrNodeNotFound
	}
	return data[:length], nil
}

func (m *memSource) FreeOverflow(start uint32, length int) {
	delete(m.overflow, start)
}

func (m *memSource) NextVersion() uint32 {
	m.version++
	return m.version
}
